// Package peertest provides an in-process negotiation engine. Its session
// descriptions are JSON documents listing the tracks each side sends and the
// media kinds it can receive, so two sessions can negotiate through any relay
// without a network.
package peertest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-mesh/internal/media"
	"github.com/mossy-p/webrtc-mesh/internal/models"
	"github.com/mossy-p/webrtc-mesh/internal/peer"
)

var ErrClosed = errors.New("peertest: engine closed")

type trackDesc struct {
	Stream string           `json:"stream"`
	ID     string           `json:"id"`
	Kind   models.MediaKind `json:"kind"`
}

type description struct {
	Engine string             `json:"engine"`
	Tracks []trackDesc        `json:"tracks"`
	Recv   []models.MediaKind `json:"recv"`
}

// Factory creates fake engines and remembers them by peer id.
type Factory struct {
	mu      sync.Mutex
	engines map[string][]*Engine
	failNew error
}

var _ peer.Factory = (*Factory)(nil)

func NewFactory() *Factory {
	return &Factory{engines: make(map[string][]*Engine)}
}

// FailNew makes every following NewEngine call return err. Nil restores.
func (f *Factory) FailNew(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failNew = err
}

func (f *Factory) NewEngine(cfg peer.EngineConfig, ev peer.EngineEvents) (peer.Engine, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failNew != nil {
		return nil, f.failNew
	}
	e := &Engine{
		id:     uuid.NewString(),
		cfg:    cfg,
		ev:     ev,
		local:  make(map[string]*media.Stream),
		remote: make(map[string]trackDesc),
	}
	f.engines[cfg.PeerID] = append(f.engines[cfg.PeerID], e)
	return e, nil
}

// Engines returns every engine created for peerID, oldest first.
func (f *Factory) Engines(peerID string) []*Engine {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*Engine(nil), f.engines[peerID]...)
}

// Last returns the newest engine created for peerID.
func (f *Factory) Last(peerID string) *Engine {
	es := f.Engines(peerID)
	if len(es) == 0 {
		return nil
	}
	return es[len(es)-1]
}

// Engine is a fake peer.Engine.
type Engine struct {
	id  string
	cfg peer.EngineConfig
	ev  peer.EngineEvents

	mu          sync.Mutex
	local       map[string]*media.Stream
	recv        []models.MediaKind
	remote      map[string]trackDesc
	offer       *description
	localSet    bool
	remoteSet   bool
	connected   bool
	held        []models.ICECandidate
	applied     []models.ICECandidate
	closes      int
	offers      int
	offerErr    error
	gatherCount int
}

func (e *Engine) Trickle() bool { return e.cfg.Trickle }

func (e *Engine) AddStream(s *media.Stream) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closes > 0 {
		return ErrClosed
	}
	e.local[s.ID()] = s
	return nil
}

func (e *Engine) RemoveStream(s *media.Stream) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	delete(e.local, s.ID())
	return nil
}

func (e *Engine) AddReceivers(kinds []models.MediaKind) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.recv = appendKinds(e.recv, kinds...)
	return nil
}

func (e *Engine) CreateOffer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	if e.offerErr != nil {
		err := e.offerErr
		e.mu.Unlock()
		return "", err
	}
	tracks := e.localTracks(nil)
	recv := appendKinds(append([]models.MediaKind(nil), e.recv...), kindsOf(tracks)...)
	e.localSet = true
	e.offers++
	e.mu.Unlock()

	e.gather()
	return e.encode(description{Engine: e.id, Tracks: tracks, Recv: recv})
}

func (e *Engine) CreateAnswer(ctx context.Context) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	e.mu.Lock()
	if e.offer == nil {
		e.mu.Unlock()
		return "", errors.New("peertest: answer without offer")
	}
	tracks := e.localTracks(e.offer.Recv)
	recv := kindsOf(e.offer.Tracks)
	e.localSet = true
	e.mu.Unlock()

	e.gather()
	sdp, err := e.encode(description{Engine: e.id, Tracks: tracks, Recv: recv})
	if err != nil {
		return "", err
	}
	e.markConnected()
	return sdp, nil
}

func (e *Engine) SetRemoteDescription(t models.SignalType, raw string) error {
	var desc description
	if err := json.Unmarshal([]byte(raw), &desc); err != nil {
		return fmt.Errorf("peertest: bad description: %w", err)
	}

	e.mu.Lock()
	if e.closes > 0 {
		e.mu.Unlock()
		return ErrClosed
	}
	if t == models.SignalTypeOffer {
		e.offer = &desc
	}
	e.remoteSet = true
	e.applied = append(e.applied, e.held...)
	e.held = nil

	incoming := make(map[string]trackDesc, len(desc.Tracks))
	for _, td := range desc.Tracks {
		incoming[td.ID] = td
	}
	var added, ended []trackDesc
	for id, td := range incoming {
		if _, ok := e.remote[id]; !ok {
			added = append(added, td)
		}
	}
	for id, td := range e.remote {
		if _, ok := incoming[id]; !ok {
			ended = append(ended, td)
		}
	}
	e.remote = incoming
	answered := t == models.SignalTypeAnswer && e.localSet
	e.mu.Unlock()

	sortTracks(added)
	sortTracks(ended)
	for _, td := range ended {
		if e.ev.OnTrackEnded != nil {
			e.ev.OnTrackEnded(td.Stream, td.ID)
		}
	}
	for _, td := range added {
		if e.ev.OnTrack != nil {
			e.ev.OnTrack(td.Stream, media.NewTrack(td.ID, td.Kind))
		}
	}
	if answered {
		e.markConnected()
	}
	return nil
}

func (e *Engine) AddCandidate(c models.ICECandidate) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if !e.remoteSet {
		e.held = append(e.held, c)
		return nil
	}
	e.applied = append(e.applied, c)
	return nil
}

func (e *Engine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closes++
	return nil
}

// Fail reports an ICE failure, as a real engine would on a broken path.
func (e *Engine) Fail() {
	if e.ev.OnState != nil {
		e.ev.OnState(peer.StateFailed)
	}
}

// FailOffers makes following CreateOffer calls return err.
func (e *Engine) FailOffers(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.offerErr = err
}

// Closes counts Close calls.
func (e *Engine) Closes() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closes
}

// Offers counts created offers.
func (e *Engine) Offers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offers
}

// Connected reports whether negotiation completed.
func (e *Engine) Connected() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connected
}

// Candidates returns the remote candidates applied so far.
func (e *Engine) Candidates() []models.ICECandidate {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.ICECandidate(nil), e.applied...)
}

// Receiving returns the ids of remote tracks currently received.
func (e *Engine) Receiving() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.remote))
	for id := range e.remote {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

func (e *Engine) markConnected() {
	e.mu.Lock()
	already := e.connected
	e.connected = true
	e.mu.Unlock()
	if !already && e.ev.OnState != nil {
		e.ev.OnState(peer.StateConnected)
	}
}

// gather emits one host candidate per description when trickling.
func (e *Engine) gather() {
	if !e.cfg.Trickle || e.ev.OnCandidate == nil {
		return
	}
	e.mu.Lock()
	e.gatherCount++
	n := e.gatherCount
	e.mu.Unlock()

	mid := "0"
	idx := uint16(0)
	e.ev.OnCandidate(models.ICECandidate{
		Candidate:     fmt.Sprintf("candidate:%d 1 udp 2130706431 127.0.0.1 %d typ host", n, 50000+n),
		SDPMid:        &mid,
		SDPMLineIndex: &idx,
	})
}

// localTracks lists attached tracks, limited to allowed kinds when set.
// Callers hold e.mu.
func (e *Engine) localTracks(allowed []models.MediaKind) []trackDesc {
	var out []trackDesc
	for _, s := range e.local {
		for _, t := range s.Tracks() {
			if allowed != nil && !hasKind(allowed, t.Kind()) {
				continue
			}
			out = append(out, trackDesc{Stream: s.ID(), ID: t.ID(), Kind: t.Kind()})
		}
	}
	sortTracks(out)
	return out
}

func (e *Engine) encode(d description) (string, error) {
	raw, err := json.Marshal(d)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}

func kindsOf(tracks []trackDesc) []models.MediaKind {
	var kinds []models.MediaKind
	for _, t := range tracks {
		kinds = appendKinds(kinds, t.Kind)
	}
	return kinds
}

func appendKinds(kinds []models.MediaKind, more ...models.MediaKind) []models.MediaKind {
	for _, k := range more {
		if !hasKind(kinds, k) {
			kinds = append(kinds, k)
		}
	}
	return kinds
}

func hasKind(kinds []models.MediaKind, k models.MediaKind) bool {
	for _, have := range kinds {
		if have == k {
			return true
		}
	}
	return false
}

func sortTracks(ts []trackDesc) {
	sort.Slice(ts, func(i, j int) bool { return ts[i].ID < ts[j].ID })
}
