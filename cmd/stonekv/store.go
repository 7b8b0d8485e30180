package main

import (
	"fmt"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/stonedb/stonekv"
	"github.com/stonedb/stonekv/mvcc"
	"github.com/stonedb/stonekv/raftlog"
)

// walEntry is the durable audit record appended to the raft log for every
// committed mutation. Replaying a raft log into a state machine is the job
// of the external consensus runtime this package serves (see spec §1's
// non-goals); the CLI only appends to it, it does not replay on startup.
type walEntry struct {
	Op    string
	Key   []byte
	Value []byte
}

// session bundles a process-lifetime MVCC store with the raft log used to
// durably record what was done to it.
type session struct {
	log  *raftlog.Log
	mvcc *mvcc.MVCC
}

func openSession(dir string) (*session, error) {
	l, err := raftlog.Open(filepath.Join(dir, "log"), raftlog.WithSync(true), raftlog.WithLogger(log))
	if err != nil {
		return nil, fmt.Errorf("open raft log: %w", err)
	}
	store := stonekv.NewMemory(stonekv.WithMemoryLogger(log))
	return &session{log: l, mvcc: mvcc.New(store, mvcc.WithLogger(log))}, nil
}

func (s *session) recordAndClose(entries ...walEntry) error {
	upTo := s.log.Len()
	for _, e := range entries {
		data, err := msgpack.Marshal(e)
		if err != nil {
			return fmt.Errorf("encode wal entry: %w", err)
		}
		upTo, err = s.log.Append(data)
		if err != nil {
			return fmt.Errorf("append wal entry: %w", err)
		}
	}
	if err := s.log.Commit(upTo); err != nil {
		return fmt.Errorf("commit wal: %w", err)
	}
	return s.log.Close()
}
