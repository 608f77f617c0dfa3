// Package consul mirrors a node's cascade view into Consul KV so that tools
// outside the home network can see the router tree. Each router record is
// stored under <prefix>/<node id>/routers/<router id>.
package consul

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/sirupsen/logrus"

	"wrtd/pkg/model"
)

const (
	DefaultPrefix = "wrtd/nodes/"
	settleDelay   = 500 * time.Millisecond
)

// ErrNotBuilt is returned by Dial when the binary was built without the
// consul tag.
var ErrNotBuilt = errors.New("consul: support not compiled in (build with -tags consul)")

// KV is the part of the Consul KV API the mirror writes through.
type KV interface {
	Put(ctx context.Context, key string, value []byte) error
	Delete(ctx context.Context, key string) error
	DeleteTree(ctx context.Context, prefix string) error
}

// ViewFunc snapshots the view to mirror.
type ViewFunc func(ctx context.Context) (model.RouterList, error)

type Mirror struct {
	kv      KV
	view    ViewFunc
	base    string
	log     *logrus.Entry
	dirty   chan struct{}
	written map[string][]byte
}

func NewMirror(kv KV, nodeID string, view ViewFunc, log *logrus.Entry) *Mirror {
	return &Mirror{
		kv:      kv,
		view:    view,
		base:    DefaultPrefix + nodeID + "/routers/",
		log:     log,
		dirty:   make(chan struct{}, 1),
		written: map[string][]byte{},
	}
}

// Notify marks the view as changed. It never blocks, so it can be called
// from a cascade consumer.
func (m *Mirror) Notify() {
	select {
	case m.dirty <- struct{}{}:
	default:
	}
}

// Run writes the view once and then after every burst of changes. On exit
// the node's keys are removed.
func (m *Mirror) Run(ctx context.Context) error {
	m.Notify()
	for {
		select {
		case <-ctx.Done():
			cleanup, cancel := context.WithTimeout(context.Background(), 3*time.Second)
			defer cancel()
			if err := m.kv.DeleteTree(cleanup, m.base); err != nil {
				m.log.WithError(err).Warn("consul cleanup failed")
			}
			return nil
		case <-m.dirty:
		}
		select {
		case <-ctx.Done():
			continue
		case <-time.After(settleDelay):
		}
		if err := m.Sync(ctx); err != nil && ctx.Err() == nil {
			m.log.WithError(err).Warn("consul sync failed")
			// Retry on the next change or tick.
			time.AfterFunc(5*time.Second, m.Notify)
		}
	}
}

// Sync writes the records that changed since the last sync and deletes the
// ones that left the view.
func (m *Mirror) Sync(ctx context.Context) error {
	view, err := m.view(ctx)
	if err != nil {
		return fmt.Errorf("snapshot view: %w", err)
	}
	ids := make([]string, 0, len(view))
	for id := range view {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var puts, deletes int
	for _, id := range ids {
		b, err := json.Marshal(view[id])
		if err != nil {
			return fmt.Errorf("encode %s: %w", id, err)
		}
		if bytes.Equal(m.written[id], b) {
			continue
		}
		if err := m.kv.Put(ctx, m.base+id, b); err != nil {
			return fmt.Errorf("put %s: %w", id, err)
		}
		m.written[id] = b
		puts++
	}
	for id := range m.written {
		if _, ok := view[id]; ok {
			continue
		}
		if err := m.kv.Delete(ctx, m.base+id); err != nil {
			return fmt.Errorf("delete %s: %w", id, err)
		}
		delete(m.written, id)
		deletes++
	}
	if puts+deletes > 0 {
		m.log.WithFields(logrus.Fields{"put": puts, "deleted": deletes}).Debug("consul view synced")
	}
	return nil
}
