package voice

import (
	"context"
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

var ErrAlreadyPlaying = errors.New("a track is already playing")

// The opus silence frame. Sent through the regular packet codec when a
// locked player runs out of audio, so the channel stays marked speaking.
var silenceFrame = []byte{0xF8, 0xFF, 0xFE}

// AudioSource yields one 20ms audio frame per Read. An empty frame means
// the source is exhausted.
type AudioSource interface {
	Read() []byte
	// Opus reports whether Read yields already-encoded opus frames. A
	// non-opus source needs an Encoder supplied at Play time.
	Opus() bool
	Cleanup()
}

// Encoder turns one raw PCM frame into an opus frame. Kept pluggable so
// the module carries no codec implementation of its own.
type Encoder interface {
	Encode(pcm []byte) ([]byte, error)
}

type playConfig struct {
	lock    bool
	encoder Encoder
}

type PlayOpt func(*playConfig)

// WithLock keeps the player alive on an exhausted source by sending
// silence frames instead of stopping.
func WithLock() PlayOpt {
	return func(c *playConfig) {
		c.lock = true
	}
}

func WithEncoder(enc Encoder) PlayOpt {
	return func(c *playConfig) {
		c.encoder = enc
	}
}

// Player runs the paced audio send loop for one source. Frames go out on
// absolute deadlines (start + 20ms*count) so sleep jitter does not
// accumulate into drift.
type Player struct {
	conn   *Conn
	source AudioSource
	config playConfig
	logger *zap.Logger

	mu     sync.Mutex
	paused bool
	resume chan struct{}

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

// Play starts the send loop for source. One player per connection; a
// still-running player must be stopped first.
func (c *Conn) Play(source AudioSource, opts ...PlayOpt) (*Player, error) {
	var config playConfig
	for _, opt := range opts {
		opt(&config)
	}

	p := &Player{
		conn:   c,
		source: source,
		config: config,
		logger: c.config.Logger,
		resume: make(chan struct{}),
		stop:   make(chan struct{}),
		done:   make(chan struct{}),
	}

	c.mu.Lock()
	if c.player != nil {
		select {
		case <-c.player.done:
		default:
			c.mu.Unlock()
			return nil, ErrAlreadyPlaying
		}
	}
	c.player = p
	c.mu.Unlock()

	go p.run()
	return p, nil
}

func (p *Player) run() {
	defer p.finish()
	defer p.source.Cleanup()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() {
		select {
		case <-p.stop:
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := p.conn.WaitReady(ctx); err != nil {
		return
	}
	if err := p.conn.Speaking(SpeakingMicrophone, true); err != nil {
		p.logger.Warn("speaking update failed", zap.Error(err))
	}

	start := time.Now()
	count := 0

	for {
		select {
		case <-p.stop:
			return
		default:
		}

		p.mu.Lock()
		paused := p.paused
		resume := p.resume
		p.mu.Unlock()

		if paused {
			_ = p.conn.Speaking(SpeakingMicrophone, false)
			select {
			case <-resume:
			case <-p.stop:
				return
			}
			_ = p.conn.Speaking(SpeakingMicrophone, true)
			start, count = time.Now(), 0
			continue
		}

		if !p.conn.Ready() {
			if err := p.conn.WaitReady(ctx); err != nil {
				return
			}
			start, count = time.Now(), 0
			continue
		}

		frame := p.source.Read()
		if len(frame) == 0 {
			if !p.config.lock {
				return
			}
			frame = silenceFrame
		} else if !p.source.Opus() {
			if p.config.encoder == nil {
				p.logger.Error("pcm source given without an encoder")
				return
			}
			encoded, err := p.config.encoder.Encode(frame)
			if err != nil {
				p.logger.Error("encoding frame failed", zap.Error(err))
				return
			}
			frame = encoded
		}

		if err := p.conn.SendFrame(frame); err != nil {
			if errors.Is(err, ErrNotConnected) || errors.Is(err, ErrNoSecretKey) {
				// The session is mid-reconnect; pacing restarts once it
				// is ready again.
				start, count = time.Now(), 0
				continue
			}
			p.logger.Warn("sending frame failed", zap.Error(err))
		}

		count++
		deadline := start.Add(time.Duration(count) * FrameLength)
		select {
		case <-p.stop:
			return
		case <-time.After(time.Until(deadline)):
		}
	}
}

// Pause suspends transmission. The pacing clock restarts on Resume.
func (p *Player) Pause() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.paused = true
}

func (p *Player) Resume() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.paused {
		return
	}
	p.paused = false
	close(p.resume)
	p.resume = make(chan struct{})
}

// Stop ends the send loop. Safe to call more than once; the done future
// completes exactly once either way.
func (p *Player) Stop() {
	p.stopOnce.Do(func() {
		close(p.stop)
	})
}

// WaitDone blocks until the player finishes or the context ends.
func (p *Player) WaitDone(ctx context.Context) error {
	select {
	case <-p.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done reports whether the player has finished.
func (p *Player) Done() bool {
	select {
	case <-p.done:
		return true
	default:
		return false
	}
}

func (p *Player) finish() {
	_ = p.conn.Speaking(SpeakingMicrophone, false)
	p.doneOnce.Do(func() {
		close(p.done)
	})
}
