// Package pebblestore is the secondary storage behind buffer spilling: a
// thin Pebble wrapper with an fsync policy and metrics hook, and a
// SpillStore that keeps cold block arenas keyed by publisher identity.
//
// Usage:
//
//	db, err := pebblestore.Open(pebblestore.Options{DataDir: dir})
//	if err != nil { /* handle */ }
//	defer db.Close()
//	spool, err := pebblestore.NewSpillStore(db)
//	if err != nil { /* handle */ }
//	list.SetStorage(spool, 8)
package pebblestore
