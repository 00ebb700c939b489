package controllers

// windowReq is the body of purge and reset requests. Reset ignores the
// window fields.
type windowReq struct {
	Identity    string `json:"identity"`
	BaseSeconds uint32 `json:"base_seconds"`
	Window      uint32 `json:"window"`
}

// messageResp carries the text the buffer server answers requests with.
type messageResp struct {
	Message string `json:"message"`
}

// frameEvent is one frame rendered for an SSE subscriber.
type frameEvent struct {
	Kind        string  `json:"kind"`
	BaseSeconds *uint32 `json:"base_seconds,omitempty"`
	Sequence    *uint32 `json:"sequence,omitempty"`
	Partition   *int32  `json:"partition,omitempty"`
	Data        []byte  `json:"data,omitempty"`
}
