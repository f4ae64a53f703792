package storage

import (
	"github.com/jiangxinmeng1/logstore/pkg/entry"
	"github.com/jiangxinmeng1/logstore/pkg/store"
	"github.com/sirupsen/logrus"
)

type LogEntry = entry.Entry
type LogEntryType = entry.Type

const (
	ETMutation LogEntryType = iota + entry.ETCustomizedStart
	ETFlush
)

// GroupCommit is the log group every storage entry is appended under.
const GroupCommit uint32 = entry.GTCustomizedStart

// CommitDriver sequences durable commit-log appends and replays the
// surviving tail on recovery.
type CommitDriver interface {
	AppendEntry(LogEntry) (uint64, error)
	Replay(func(typ LogEntryType, payload []byte) error) error
	Close() error
}

type commitDriver struct {
	impl store.Store
}

func NewCommitDriver(dir, name string, cfg *store.StoreCfg) (CommitDriver, error) {
	impl, err := store.NewBaseStore(dir, name, cfg)
	if err != nil {
		return nil, err
	}
	return &commitDriver{impl: impl}, nil
}

func (d *commitDriver) AppendEntry(e LogEntry) (uint64, error) {
	lsn, err := d.impl.AppendEntry(GroupCommit, e)
	if err != nil {
		return lsn, err
	}
	if err = e.WaitDone(); err != nil {
		return lsn, err
	}
	e.Free()
	logrus.Debugf("[CommitLog] entry-%d appended", lsn)
	return lsn, nil
}

func (d *commitDriver) Replay(fn func(typ LogEntryType, payload []byte) error) error {
	return d.impl.Replay(func(group uint32, commitId uint64, payload []byte, typ uint16, info interface{}) error {
		if group != GroupCommit {
			return nil
		}
		return fn(typ, payload)
	})
}

func (d *commitDriver) Close() error {
	return d.impl.Close()
}
