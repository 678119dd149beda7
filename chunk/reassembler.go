package chunk

import (
	"sync"
	"time"

	"github.com/juju/errors"
	"github.com/smartdrip/driplink/log2"
	"github.com/temoto/alive/v2"
)

type Config struct {
	MTU       int // only used to tell chunks from frames, <=0 unlimited
	MaxChunks int
	MaxFrames int
	Timeout   time.Duration
}

func (c *Config) normalize() {
	c.MaxChunks = normMaxChunks(c.MaxChunks)
	if c.MaxFrames <= 0 {
		c.MaxFrames = DefaultMaxFrames
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultTimeout
	}
}

// DiscardFunc observes buffers dropped with ErrReassemblyTimeout or ErrTotalChunksMismatch.
type DiscardFunc func(frameID uint16, err error)

// Reassembler keeps bounded arena of partial frames keyed by frame_id.
// Safe for concurrent use.
type Reassembler struct {
	OnDiscard DiscardFunc

	alive *alive.Alive
	cfg   Config
	log   *log2.Log
	now   func() time.Time
	stat  Stat

	mu   sync.Mutex
	bufs map[uint16]*buffer
}

type buffer struct {
	frameID uint16
	total   uint8
	parts   [][]byte
	have    int
	created time.Time
	updated time.Time
}

func NewReassembler(cfg Config, log *log2.Log) *Reassembler {
	cfg.normalize()
	return &Reassembler{
		cfg:  cfg,
		log:  log,
		now:  time.Now,
		bufs: make(map[uint16]*buffer, cfg.MaxFrames),
	}
}

func (r *Reassembler) Config() Config { return r.cfg }
func (r *Reassembler) Stat() *Stat    { return &r.stat }

// Active returns number of incomplete frames.
func (r *Reassembler) Active() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.bufs)
}

// Ingest accepts one transport unit. Unit without chunk header is returned as complete frame.
// Returns nil frame and nil error while frame is incomplete.
func (r *Reassembler) Ingest(b []byte) ([]byte, error) {
	if !LooksLikeChunk(b, r.cfg.MaxChunks, r.cfg.MTU) {
		r.stat.FramesReceived.Add(1)
		return b, nil
	}
	c, err := ParseChunk(b)
	if err != nil {
		return nil, err
	}
	return r.IngestChunk(c)
}

func (r *Reassembler) IngestChunk(c Chunk) ([]byte, error) {
	if err := c.Header.validate(len(c.Data)); err != nil {
		return nil, err
	}
	if int(c.Total) > r.cfg.MaxChunks {
		return nil, errors.Annotatef(ErrInvalidChunk, "total=%d max=%d", c.Total, r.cfg.MaxChunks)
	}
	r.stat.ChunksReceived.Add(1)
	now := r.now()
	var discarded []discard
	defer func() { r.notify(discarded) }()

	r.mu.Lock()
	defer r.mu.Unlock()

	buf := r.bufs[c.FrameID]
	if buf != nil && r.expired(buf, now) {
		r.drop(buf)
		r.stat.Timeouts.Add(1)
		discarded = append(discarded, discard{buf.frameID, errors.Annotatef(ErrReassemblyTimeout, "frame=%d age=%s", buf.frameID, now.Sub(buf.created))})
		buf = nil
	}
	if buf == nil {
		if len(r.bufs) >= r.cfg.MaxFrames {
			discarded = append(discarded, r.sweep(now)...)
		}
		if len(r.bufs) >= r.cfg.MaxFrames {
			r.stat.Rejected.Add(1)
			return nil, errors.Annotatef(ErrTooManyFrames, "frame=%d active=%d", c.FrameID, len(r.bufs))
		}
		buf = &buffer{
			frameID: c.FrameID,
			total:   c.Total,
			parts:   make([][]byte, c.Total),
			created: now,
		}
		r.bufs[c.FrameID] = buf
		r.stat.Active.Add(1)
		r.log.Debugf("chunk: new frame=%d total=%d", c.FrameID, c.Total)
	}
	if c.Total != buf.total {
		r.drop(buf)
		r.stat.Mismatches.Add(1)
		err := errors.Annotatef(ErrTotalChunksMismatch, "frame=%d buffer=%d chunk=%d", c.FrameID, buf.total, c.Total)
		discarded = append(discarded, discard{c.FrameID, err})
		return nil, err
	}

	buf.updated = now
	if buf.parts[c.Index] == nil {
		buf.have++
	} else {
		r.stat.Duplicates.Add(1)
	}
	// copy because transports reuse receive buffers
	buf.parts[c.Index] = append(make([]byte, 0, len(c.Data)), c.Data...)
	if buf.have < int(buf.total) {
		return nil, nil
	}

	r.drop(buf)
	size := 0
	for _, p := range buf.parts {
		size += len(p)
	}
	frame := make([]byte, 0, size)
	for _, p := range buf.parts {
		frame = append(frame, p...)
	}
	r.stat.FramesReceived.Add(1)
	r.log.Debugf("chunk: complete frame=%d size=%d", c.FrameID, size)
	return frame, nil
}

// Abandon discards partial frame, returns false if there was none.
func (r *Reassembler) Abandon(frameID uint16) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	buf := r.bufs[frameID]
	if buf == nil {
		return false
	}
	r.drop(buf)
	return true
}

// Sweep discards buffers idle longer than Timeout and returns their frame ids.
func (r *Reassembler) Sweep() []uint16 {
	now := r.now()
	r.mu.Lock()
	ds := r.sweep(now)
	r.mu.Unlock()
	r.notify(ds)

	ids := make([]uint16, len(ds))
	for i, d := range ds {
		ids[i] = d.frameID
	}
	return ids
}

// Start runs background Sweep every interval until Close.
func (r *Reassembler) Start(interval time.Duration) {
	if interval <= 0 {
		interval = r.cfg.Timeout / 2
	}
	r.mu.Lock()
	if r.alive != nil {
		r.mu.Unlock()
		return
	}
	r.alive = alive.NewAlive()
	a := r.alive
	r.mu.Unlock()

	a.Add(1)
	go func() {
		defer a.Done()
		tick := time.NewTicker(interval)
		defer tick.Stop()
		for {
			select {
			case <-tick.C:
				r.Sweep()
			case <-a.StopChan():
				return
			}
		}
	}()
}

// Close stops janitor and discards all partial frames.
func (r *Reassembler) Close() {
	r.mu.Lock()
	a := r.alive
	for _, buf := range r.bufs {
		r.drop(buf)
	}
	r.mu.Unlock()
	if a != nil {
		a.Stop()
		a.Wait()
	}
}

type discard struct {
	frameID uint16
	err     error
}

func (r *Reassembler) expired(buf *buffer, now time.Time) bool {
	return now.Sub(buf.updated) > r.cfg.Timeout
}

// mu must be held
func (r *Reassembler) sweep(now time.Time) []discard {
	var ds []discard
	for _, buf := range r.bufs {
		if r.expired(buf, now) {
			r.drop(buf)
			r.stat.Timeouts.Add(1)
			ds = append(ds, discard{buf.frameID, errors.Annotatef(ErrReassemblyTimeout,
				"frame=%d received=%d/%d age=%s", buf.frameID, buf.have, buf.total, now.Sub(buf.created))})
		}
	}
	return ds
}

// mu must be held
func (r *Reassembler) drop(buf *buffer) {
	if r.bufs[buf.frameID] == buf {
		delete(r.bufs, buf.frameID)
		r.stat.Active.Add(-1)
	}
}

func (r *Reassembler) notify(ds []discard) {
	for _, d := range ds {
		r.log.Errorf("chunk: discard %v", d.err)
		if r.OnDiscard != nil {
			r.OnDiscard(d.frameID, d.err)
		}
	}
}
