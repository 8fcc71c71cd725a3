// MobaiGate - channel gateway for local AI assistants
// License: MIT
//
// Copyright (c) 2026 MobaiGate contributors

package channels

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/zhaopengme/mobaigate/pkg/auth"
	"github.com/zhaopengme/mobaigate/pkg/bus"
	"github.com/zhaopengme/mobaigate/pkg/config"
	"github.com/zhaopengme/mobaigate/pkg/errs"
	"github.com/zhaopengme/mobaigate/pkg/logger"
)

// ProbeResult is one line of the doctor report.
type ProbeResult struct {
	Channel  string
	Kind     Kind
	Err      error
	Duration time.Duration
}

// Manager owns every configured channel and the token cache they share.
type Manager struct {
	channels     map[string]Channel
	order        []string
	tokens       *auth.TokenCache
	warmer       *auth.Warmer
	configErrors []error
	mu           sync.RWMutex
	cancelWarmer context.CancelFunc
}

// NewManager builds one channel per enabled config. A channel whose config
// is invalid is reported and skipped; the others are unaffected.
func NewManager(cfg *config.Config, messageBus bus.Publisher) *Manager {
	m := &Manager{
		channels: make(map[string]Channel),
		tokens:   auth.NewTokenCache(config.Seconds(cfg.Gateway.TokenMargin)),
	}

	for _, dc := range cfg.Channels.DingTalk {
		if !dc.Enabled {
			continue
		}
		dc = dc.WithDefaults()
		if m.duplicate(dc.ID) {
			continue
		}
		ch, err := NewDingTalkChannel(dc, messageBus, m.tokens)
		m.add(dc.ID, ch, err)
	}
	for _, wc := range cfg.Channels.WeCom {
		if !wc.Enabled {
			continue
		}
		wc = wc.WithDefaults()
		if m.duplicate(wc.ID) {
			continue
		}
		ch, err := NewWeComChannel(wc, messageBus, m.tokens)
		m.add(wc.ID, ch, err)
	}

	if expr := cfg.Gateway.TokenRefreshCron; expr != "" {
		w, err := auth.NewWarmer(m.tokens, expr)
		if err != nil {
			logger.WarnCF("channels", "Token warmer disabled", map[string]interface{}{
				"error": err.Error(),
			})
		} else {
			m.warmer = w
		}
	}
	return m
}

// duplicate reports and skips a second channel with an id already in use.
func (m *Manager) duplicate(id string) bool {
	if _, dup := m.channels[id]; !dup {
		return false
	}
	m.add(id, nil, errs.New(errs.ErrConfig, id, "load", errors.New("duplicate channel id")))
	return true
}

func (m *Manager) add(id string, ch Channel, err error) {
	if err != nil {
		m.configErrors = append(m.configErrors, err)
		logger.ErrorCF("channels", "Channel not loaded", map[string]interface{}{
			"channel": id,
			"error":   err.Error(),
		})
		return
	}
	m.Register(ch)
}

// Register adds an already built channel.
func (m *Manager) Register(ch Channel) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.channels[ch.Name()]; !ok {
		m.order = append(m.order, ch.Name())
	}
	m.channels[ch.Name()] = ch
	logger.InfoCF("channels", "Channel enabled", map[string]interface{}{
		"channel": ch.Name(),
		"kind":    string(ch.Kind()),
	})
}

func (m *Manager) Tokens() *auth.TokenCache {
	return m.tokens
}

// ConfigErrors returns the errors of channels that could not be built.
func (m *Manager) ConfigErrors() []error {
	return m.configErrors
}

func (m *Manager) GetChannel(name string) (Channel, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	ch, ok := m.channels[name]
	return ch, ok
}

func (m *Manager) GetEnabledChannels() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]string(nil), m.order...)
}

// StartAll starts every channel. A channel that fails to start is logged
// and left stopped; the returned error joins those failures.
func (m *Manager) StartAll(ctx context.Context) error {
	m.mu.RLock()
	defer m.mu.RUnlock()

	if len(m.channels) == 0 {
		logger.WarnC("channels", "No channels enabled")
	}

	var failures []error
	for _, name := range m.order {
		ch := m.channels[name]
		logger.InfoCF("channels", "Starting channel", map[string]interface{}{
			"channel": name,
		})
		if err := ch.Start(ctx); err != nil {
			failures = append(failures, err)
			logger.ErrorCF("channels", "Failed to start channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}

	if m.warmer != nil {
		wctx, cancel := context.WithCancel(ctx)
		m.cancelWarmer = cancel
		go m.warmer.Run(wctx)
	}

	logger.InfoC("channels", "All channels started")
	return errors.Join(failures...)
}

func (m *Manager) StopAll(ctx context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.cancelWarmer != nil {
		m.cancelWarmer()
		m.cancelWarmer = nil
	}

	var failures []error
	for i := len(m.order) - 1; i >= 0; i-- {
		name := m.order[i]
		if err := m.channels[name].Stop(ctx); err != nil {
			failures = append(failures, err)
			logger.ErrorCF("channels", "Error stopping channel", map[string]interface{}{
				"channel": name,
				"error":   err.Error(),
			})
		}
	}
	logger.InfoC("channels", "All channels stopped")
	return errors.Join(failures...)
}

func (m *Manager) Health() []Health {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]Health, 0, len(m.order))
	for _, name := range m.order {
		out = append(out, m.channels[name].Health())
	}
	return out
}

// Doctor probes every channel concurrently, each bounded by timeout.
func (m *Manager) Doctor(ctx context.Context, timeout time.Duration) []ProbeResult {
	m.mu.RLock()
	names := append([]string(nil), m.order...)
	chans := make([]Channel, len(names))
	for i, n := range names {
		chans[i] = m.channels[n]
	}
	m.mu.RUnlock()

	results := make([]ProbeResult, len(chans))
	var wg sync.WaitGroup
	for i, ch := range chans {
		results[i] = ProbeResult{Channel: ch.Name(), Kind: ch.Kind()}
		p, ok := ch.(Prober)
		if !ok {
			continue
		}
		wg.Add(1)
		go func(i int, p Prober) {
			defer wg.Done()
			pctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()
			start := time.Now()
			results[i].Err = p.Probe(pctx)
			results[i].Duration = time.Since(start)
		}(i, p)
	}
	wg.Wait()
	return results
}
