package engine

import (
	"fmt"
	u "net/url"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/Zakaria95Ahmed/idm-clone/internal/assembler"
	"github.com/Zakaria95Ahmed/idm-clone/internal/client"
	"github.com/Zakaria95Ahmed/idm-clone/internal/limiter"
	"github.com/Zakaria95Ahmed/idm-clone/internal/store"
	"github.com/Zakaria95Ahmed/idm-clone/utils"
)

// Options configures the engine. Zero values fall back to the defaults in
// applyDefaults.
type Options struct {
	DataDir        string
	DownloadDir    string
	MaxConnections int
	Connections    int
	MinSegmentSize int64
	MaxRetries     int
	UserAgent      string
	ProxyURL       string
	ConnectTimeout time.Duration
	ReceiveTimeout time.Duration
	VerifyTLS      bool
	ConflictPolicy assembler.ConflictPolicy
	RetryBaseDelay time.Duration

	PersistInterval time.Duration
	SpeedInterval   time.Duration
	StaleThreshold  time.Duration
}

func (o *Options) applyDefaults() {
	if o.DataDir == "" {
		home, _ := os.UserHomeDir()
		o.DataDir = filepath.Join(home, ".idm-clone")
	}
	if o.DownloadDir == "" {
		o.DownloadDir = "."
	}
	if o.MaxConnections <= 0 {
		o.MaxConnections = 32
	}
	if o.Connections <= 0 {
		o.Connections = 8
	}
	if o.MinSegmentSize <= 0 {
		o.MinSegmentSize = 64 * 1024
	}
	if o.MaxRetries <= 0 {
		o.MaxRetries = 20
	}
	if o.UserAgent == "" {
		o.UserAgent = utils.ToolUserAgent
	}
	if o.ConnectTimeout <= 0 {
		o.ConnectTimeout = 30 * time.Second
	}
	if o.ReceiveTimeout <= 0 {
		o.ReceiveTimeout = 60 * time.Second
	}
	if o.RetryBaseDelay <= 0 {
		o.RetryBaseDelay = defaultRetryBase
	}
	if o.PersistInterval <= 0 {
		o.PersistInterval = 15 * time.Second
	}
	if o.SpeedInterval <= 0 {
		o.SpeedInterval = time.Second
	}
	if o.StaleThreshold <= 0 {
		o.StaleThreshold = 2 * time.Minute
	}
}

// Engine is the process-wide download registry: it owns all orchestrators,
// persists their entries across restarts and fans notifications out to
// observers. Construct one in main and share the handle.
type Engine struct {
	opts    Options
	store   *store.Store
	limiter *limiter.RateLimiter
	http    *client.HTTPClient
	ftp     *client.FTPClient

	mu     sync.Mutex
	active map[string]*orchestrator

	obsMu     sync.Mutex
	observers []Observer

	stopCh chan struct{}
	bg     sync.WaitGroup
}

// New opens the registry database under DataDir and starts the background
// speed-monitor and state-persist tasks.
func New(opts Options, lim *limiter.RateLimiter) (*Engine, error) {
	opts.applyDefaults()
	if err := os.MkdirAll(opts.DataDir, 0755); err != nil {
		return nil, fmt.Errorf("error creating data directory: %v", err)
	}
	st, err := store.Open(filepath.Join(opts.DataDir, "downloads.db"))
	if err != nil {
		return nil, err
	}
	clientCfg := client.Config{
		ProxyURL:       opts.ProxyURL,
		ConnectTimeout: opts.ConnectTimeout,
		ReceiveTimeout: opts.ReceiveTimeout,
		VerifyTLS:      opts.VerifyTLS,
	}
	e := &Engine{
		opts:    opts,
		store:   st,
		limiter: lim,
		http:    client.NewHTTP(clientCfg),
		ftp:     client.NewFTP(clientCfg),
		active:  make(map[string]*orchestrator),
		stopCh:  make(chan struct{}),
	}
	e.bg.Add(2)
	go e.speedMonitor()
	go e.statePersister()
	log := utils.GetLogger("engine")
	log.Debug().Str("dataDir", opts.DataDir).Msg("Engine initialized")
	return e, nil
}

// AddOptions carries the optional request metadata for a new download.
type AddOptions struct {
	Dir         string
	Filename    string
	Connections int
	Referrer    string
	Cookies     string
	Headers     map[string]string
	UserAgent   string
	Username    string
	Password    string
	PostData    string
	Description string
	Checksum    string
	ChecksumAlg string
	Start       bool
}

// Add registers a new download and returns its id. Only http, https and ftp
// URLs are accepted.
func (e *Engine) Add(rawURL string, opts AddOptions) (string, error) {
	parsed, err := u.Parse(rawURL)
	if err != nil {
		return "", fmt.Errorf("error parsing URL: %v", err)
	}
	switch parsed.Scheme {
	case "http", "https", "ftp":
	default:
		return "", fmt.Errorf("unsupported URL scheme %q", parsed.Scheme)
	}

	dir := opts.Dir
	if dir == "" {
		dir = e.opts.DownloadDir
	}
	entry := store.NewEntry(rawURL, dir, opts.Filename)
	entry.Referrer = opts.Referrer
	entry.Cookies = opts.Cookies
	entry.Headers = opts.Headers
	entry.Username = opts.Username
	entry.Password = opts.Password
	entry.PostData = opts.PostData
	entry.Description = opts.Description
	entry.Checksum = opts.Checksum
	entry.ChecksumType = opts.ChecksumAlg
	entry.UserAgent = opts.UserAgent
	if entry.UserAgent == "" {
		entry.UserAgent = e.opts.UserAgent
	}
	entry.Connections = opts.Connections
	if entry.Connections <= 0 {
		entry.Connections = e.opts.Connections
	}
	entry.MaxRetries = e.opts.MaxRetries

	e.store.Add(entry)
	e.notifyAdded(entry.ID)
	log := utils.GetLogger("engine")
	log.Info().Str("url", rawURL).Str("file", entry.Filename).Str("id", entry.ID).Msg("Download added")

	if opts.Start {
		if err := e.Start(entry.ID); err != nil {
			return entry.ID, err
		}
	}
	return entry.ID, nil
}

// Start launches a queued or paused download, or wakes a paused-in-place
// one.
func (e *Engine) Start(id string) error {
	e.mu.Lock()
	if o, ok := e.active[id]; ok {
		e.mu.Unlock()
		if o.isPaused() {
			o.resume()
			o.mu.Lock()
			o.entry.Status = store.StatusDownloading
			entry := o.entry
			o.mu.Unlock()
			e.store.Update(entry)
			e.notifyResumed(id)
			return nil
		}
		return nil // already running
	}
	e.mu.Unlock()

	entry, ok := e.store.Get(id)
	if !ok {
		return fmt.Errorf("download %s not found", id)
	}
	entry.Status = store.StatusConnecting
	entry.ErrorMessage = ""
	e.store.Update(entry)

	o := newOrchestrator(e, entry)
	e.mu.Lock()
	if _, exists := e.active[id]; exists {
		e.mu.Unlock()
		return nil
	}
	e.active[id] = o
	e.mu.Unlock()
	go o.run()
	e.notifyStarted(id)
	return nil
}

// Pause suspends an active download in place: workers abort their fetches
// and park until Start is called again. Segment state is persisted so a
// crash while paused still resumes cleanly.
func (e *Engine) Pause(id string) error {
	e.mu.Lock()
	o, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		o.pause()
		o.persistState()
		o.mu.Lock()
		o.entry.Status = store.StatusPaused
		entry := o.entry
		o.mu.Unlock()
		e.store.Update(entry)
		e.notifyPaused(id)
		return nil
	}
	entry, found := e.store.Get(id)
	if !found {
		return fmt.Errorf("download %s not found", id)
	}
	entry.Status = store.StatusPaused
	e.store.Update(entry)
	e.notifyPaused(id)
	return nil
}

// Stop cancels an active download; its orchestrator persists state and
// leaves the entry Paused for a later restart.
func (e *Engine) Stop(id string) error {
	e.mu.Lock()
	o, ok := e.active[id]
	e.mu.Unlock()
	if !ok {
		return fmt.Errorf("download %s not active", id)
	}
	o.cancel()
	return nil
}

// Remove stops a download if needed and deletes its entry along with its
// partial and state files; deleteFiles also deletes the finished file.
func (e *Engine) Remove(id string, deleteFiles bool) error {
	e.mu.Lock()
	o, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		o.cancel()
		<-o.done
	}
	if !e.store.Remove(id, deleteFiles) {
		return fmt.Errorf("download %s not found", id)
	}
	e.notifyRemoved(id)
	return nil
}

// RemoveCompleted drops every Complete entry, keeping the files.
func (e *Engine) RemoveCompleted() int {
	return e.store.RemoveCompleted()
}

// ResumeAll restarts every paused download.
func (e *Engine) ResumeAll() {
	for _, entry := range e.store.ByStatus(store.StatusPaused) {
		e.Start(entry.ID)
	}
}

// List returns all known downloads, preferring the live entry for active
// ones.
func (e *Engine) List() []store.Entry {
	entries := e.store.All()
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, entry := range entries {
		if o, ok := e.active[entry.ID]; ok {
			entries[i] = o.snapshotEntry()
		}
	}
	return entries
}

// Get returns one download, preferring the live entry when active.
func (e *Engine) Get(id string) (store.Entry, bool) {
	e.mu.Lock()
	o, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		return o.snapshotEntry(), true
	}
	return e.store.Get(id)
}

func (e *Engine) ActiveCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.active)
}

// TotalSpeed sums the last measured per-download speeds.
func (e *Engine) TotalSpeed() float64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	var total float64
	for _, o := range e.active {
		total += o.speed()
	}
	return total
}

// WaitFor blocks until the download leaves the active set (complete, error,
// or stopped).
func (e *Engine) WaitFor(id string) {
	e.mu.Lock()
	o, ok := e.active[id]
	e.mu.Unlock()
	if ok {
		<-o.done
	}
}

// Shutdown stops every active download, persisting segment state, and
// flushes the registry database.
func (e *Engine) Shutdown() {
	log := utils.GetLogger("engine")
	log.Debug().Msg("Shutting down")
	e.mu.Lock()
	running := make([]*orchestrator, 0, len(e.active))
	for _, o := range e.active {
		running = append(running, o)
	}
	e.mu.Unlock()
	for _, o := range running {
		o.cancel()
	}
	for _, o := range running {
		<-o.done
	}
	close(e.stopCh)
	e.bg.Wait()
	if err := e.store.Close(); err != nil {
		log.Error().Err(err).Msg("Error flushing database on shutdown")
	}
}

func (e *Engine) release(id string) {
	e.mu.Lock()
	delete(e.active, id)
	e.mu.Unlock()
}

// speedMonitor samples per-segment speeds once per second, publishes the
// aggregate, and reassigns segments whose connections have gone quiet.
func (e *Engine) speedMonitor() {
	defer e.bg.Done()
	ticker := time.NewTicker(e.opts.SpeedInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
		}
		e.mu.Lock()
		running := make([]*orchestrator, 0, len(e.active))
		for _, o := range e.active {
			running = append(running, o)
		}
		e.mu.Unlock()

		var total float64
		count := 0
		for _, o := range running {
			speed := o.planner.ActiveSpeed()
			o.totalSpeed.Store(int64(speed * 1000))
			total += speed
			if o.isCancelled() || o.isPaused() {
				// Parked workers keep their segments; only live transfers are
				// checked for stalls.
				continue
			}
			count++
			if stale := o.planner.FailStale(e.opts.StaleThreshold); stale > 0 {
				o.log.Warn().Int("segments", stale).Msg("Reassigned stalled segments")
			}
		}
		e.limiter.SetObservedSpeed(total)
		e.notifySpeed(total, count)
	}
}

// statePersister saves every active download's segment map and flushes the
// registry database on a fixed cadence.
func (e *Engine) statePersister() {
	defer e.bg.Done()
	ticker := time.NewTicker(e.opts.PersistInterval)
	defer ticker.Stop()
	for {
		select {
		case <-e.stopCh:
			return
		case <-ticker.C:
		}
		e.mu.Lock()
		running := make([]*orchestrator, 0, len(e.active))
		for _, o := range e.active {
			running = append(running, o)
		}
		e.mu.Unlock()
		for _, o := range running {
			if !o.isCancelled() {
				o.persistState()
			}
		}
		if err := e.store.Flush(); err != nil {
			log := utils.GetLogger("engine")
			log.Error().Err(err).Msg("Error flushing database")
		}
	}
}
