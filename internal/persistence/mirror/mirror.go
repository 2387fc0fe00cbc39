package mirror

import (
	"context"
	"path"
	"strings"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"pixelcanvas.ai/internal/logging"
	"pixelcanvas.ai/internal/metrics"
)

// Uploader is satisfied by *Client.
type Uploader interface {
	PutFile(ctx context.Context, key, localPath string) error
}

type Options struct {
	Prefix  string
	Workers int
	Queue   int
	// EnqueueWait bounds how long Enqueue blocks on a full queue before dropping.
	EnqueueWait time.Duration
	Attempts    int
	Log         logrus.FieldLogger
}

type job struct {
	key  string
	path string
}

// Mirror uploads files from a bounded queue with a small worker pool.
type Mirror struct {
	up   Uploader
	opts Options
	log  logrus.FieldLogger

	jobs chan job
	wg   sync.WaitGroup
	once sync.Once
}

func New(up Uploader, opts Options) *Mirror {
	if opts.Workers <= 0 {
		opts.Workers = 2
	}
	if opts.Queue <= 0 {
		opts.Queue = 256
	}
	if opts.EnqueueWait <= 0 {
		opts.EnqueueWait = 25 * time.Millisecond
	}
	if opts.Attempts <= 0 {
		opts.Attempts = 4
	}
	opts.Prefix = strings.Trim(strings.ReplaceAll(opts.Prefix, "\\", "/"), "/")
	m := &Mirror{
		up:   up,
		opts: opts,
		log:  logging.OrDiscard(opts.Log).WithField("component", "mirror"),
		jobs: make(chan job, opts.Queue),
	}
	for i := 0; i < opts.Workers; i++ {
		m.wg.Add(1)
		go func() {
			defer m.wg.Done()
			for j := range m.jobs {
				m.upload(j)
			}
		}()
	}
	return m
}

// Enqueue schedules localPath for upload as prefix/key. A nil Mirror ignores
// the call.
func (m *Mirror) Enqueue(key, localPath string) {
	if m == nil {
		return
	}
	if m.opts.Prefix != "" {
		key = path.Join(m.opts.Prefix, key)
	}
	j := job{key: key, path: localPath}
	select {
	case m.jobs <- j:
		return
	default:
	}
	t := time.NewTimer(m.opts.EnqueueWait)
	defer t.Stop()
	select {
	case m.jobs <- j:
	case <-t.C:
		metrics.MirrorDropped.Inc()
		m.log.WithField("key", key).Warn("upload queue full; dropped")
	}
}

// Close waits for queued uploads to finish.
func (m *Mirror) Close() {
	if m == nil {
		return
	}
	m.once.Do(func() { close(m.jobs) })
	m.wg.Wait()
}

func (m *Mirror) upload(j job) {
	var err error
	for attempt := 1; attempt <= m.opts.Attempts; attempt++ {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		err = m.up.PutFile(ctx, j.key, j.path)
		cancel()
		if err == nil {
			metrics.MirrorUploads.Inc()
			m.log.WithField("key", j.key).Debug("uploaded")
			return
		}
		if attempt < m.opts.Attempts {
			time.Sleep(time.Duration(attempt*attempt) * 200 * time.Millisecond)
		}
	}
	metrics.MirrorFailures.Inc()
	m.log.WithError(err).WithFields(logrus.Fields{"key": j.key, "path": j.path}).Error("upload failed")
}
