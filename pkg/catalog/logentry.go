package catalog

import (
	"github.com/jiangxinmeng1/logstore/pkg/entry"
)

type LogEntry = entry.Entry
type LogEntryType = entry.Type

const (
	ETCreateTable LogEntryType = iota + entry.ETCustomizedStart
	ETCreateView
	ETDropView
	ETBuildProgress
)

// GroupCatalog is the log group every registry entry is appended under.
const GroupCatalog uint32 = entry.GTCustomizedStart
