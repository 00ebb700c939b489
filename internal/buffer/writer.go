package buffer

// Writer is the publisher side of a DataList. Only the Writer handed out
// by the latest Claim can append; older ones get ErrRevoked.
type Writer struct {
	list  *DataList
	token uint64
}

// List is the DataList the Writer appends to.
func (w *Writer) List() *DataList { return w.list }

// Append commits a run of complete frames, failing with ErrRevoked once
// the Writer lost ownership.
func (w *Writer) Append(buf []byte) error {
	return w.list.append(buf, w.token)
}

// Revoked reports whether another Claim or a Reset took the list over.
func (w *Writer) Revoked() bool {
	w.list.appendMu.Lock()
	defer w.list.appendMu.Unlock()
	return w.list.writer != w.token
}
