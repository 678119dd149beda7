package chunk

// Values are read and modified atomically, but not consistently.

import (
	"expvar"
	"fmt"
)

type Stat struct {
	FramesSent     expvar.Int
	FramesReceived expvar.Int
	ChunksSent     expvar.Int
	ChunksReceived expvar.Int
	Duplicates     expvar.Int
	Timeouts       expvar.Int
	Mismatches     expvar.Int
	Rejected       expvar.Int
	Active         expvar.Int
}

func (s *Stat) String() string {
	return fmt.Sprintf(`{"frames.sent":%d,"frames.received":%d,"chunks.sent":%d,"chunks.received":%d,"duplicates":%d,"timeouts":%d,"mismatches":%d,"rejected":%d,"active":%d}`,
		s.FramesSent.Value(), s.FramesReceived.Value(),
		s.ChunksSent.Value(), s.ChunksReceived.Value(),
		s.Duplicates.Value(), s.Timeouts.Value(), s.Mismatches.Value(),
		s.Rejected.Value(), s.Active.Value())
}
