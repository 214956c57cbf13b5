package p2p

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/libp2p/go-libp2p/core/peer"
	ma "github.com/multiformats/go-multiaddr"

	"github.com/Klingon-tech/klingnet-powsync/internal/storage"
)

const (
	staleThreshold    = 24 * time.Hour
	persistInterval   = 5 * time.Minute
	maxPersistedPeers = 500
)

// peerPrefix namespaces peer records inside the node database.
var peerPrefix = []byte("peer/")

// PeerRecord is a persisted peer entry.
type PeerRecord struct {
	ID       string   `json:"id"`        // base58 peer ID
	Addrs    []string `json:"addrs"`     // multiaddr strings
	LastSeen int64    `json:"last_seen"` // unix timestamp
	Source   string   `json:"source"`    // PeerSource of the first connection
}

// PeerStore persists peer records so a restarted node can redial them.
type PeerStore struct {
	db storage.DB
}

// NewPeerStore creates a PeerStore in its own namespace of db.
func NewPeerStore(db storage.DB) *PeerStore {
	return &PeerStore{db: storage.NewPrefixDB(db, peerPrefix)}
}

// Save persists a peer record. New peers are skipped once the store
// holds maxPersistedPeers records.
func (ps *PeerStore) Save(rec PeerRecord) error {
	key := []byte(rec.ID)
	exists, err := ps.db.Has(key)
	if err != nil {
		return fmt.Errorf("check peer exists: %w", err)
	}
	if !exists {
		count, err := ps.Count()
		if err != nil {
			return err
		}
		if count >= maxPersistedPeers {
			return nil
		}
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal peer record: %w", err)
	}
	return ps.db.Put(key, data)
}

// Load retrieves a single peer record by ID.
func (ps *PeerStore) Load(id peer.ID) (*PeerRecord, error) {
	data, err := ps.db.Get([]byte(id.String()))
	if err != nil {
		return nil, fmt.Errorf("get peer record: %w", err)
	}
	var rec PeerRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("unmarshal peer record: %w", err)
	}
	return &rec, nil
}

// LoadAll returns all persisted peer records. Corrupt records are skipped.
func (ps *PeerStore) LoadAll() ([]PeerRecord, error) {
	var records []PeerRecord
	err := ps.db.ForEach(nil, func(_, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err != nil {
			return nil
		}
		records = append(records, rec)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("iterate peer records: %w", err)
	}
	return records, nil
}

// PruneStale removes corrupt records and records older than threshold in
// one batch. Returns the number pruned.
func (ps *PeerStore) PruneStale(threshold time.Duration) (int, error) {
	cutoff := time.Now().Add(-threshold).Unix()
	batch := ps.db.NewBatch()
	pruned := 0

	err := ps.db.ForEach(nil, func(key, value []byte) error {
		var rec PeerRecord
		if err := json.Unmarshal(value, &rec); err == nil && rec.LastSeen >= cutoff {
			return nil
		}
		pruned++
		return batch.Delete(append([]byte(nil), key...))
	})
	if err != nil {
		return 0, fmt.Errorf("iterate for prune: %w", err)
	}
	if err := batch.Commit(); err != nil {
		return 0, fmt.Errorf("delete stale peers: %w", err)
	}
	return pruned, nil
}

// Count returns the number of persisted peer records.
func (ps *PeerStore) Count() (int, error) {
	count := 0
	err := ps.db.ForEach(nil, func(_, _ []byte) error {
		count++
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("count peers: %w", err)
	}
	return count, nil
}

// addrInfo converts a record back into dialable form. Unparseable
// addresses are skipped.
func (rec PeerRecord) addrInfo() (peer.AddrInfo, error) {
	id, err := peer.Decode(rec.ID)
	if err != nil {
		return peer.AddrInfo{}, fmt.Errorf("decode peer id: %w", err)
	}
	info := peer.AddrInfo{ID: id}
	for _, s := range rec.Addrs {
		addr, err := ma.NewMultiaddr(s)
		if err != nil {
			continue
		}
		info.Addrs = append(info.Addrs, addr)
	}
	return info, nil
}

// --- Node persistence loop ---

func (n *Node) persistPeers() {
	if n.peerStore == nil || n.host == nil {
		return
	}

	now := time.Now().Unix()
	for _, p := range n.peers.list() {
		id := p.ID
		addrs := n.host.Peerstore().Addrs(id)
		rec := PeerRecord{
			ID:       id.String(),
			Addrs:    make([]string, len(addrs)),
			LastSeen: now,
			Source:   string(p.Source),
		}
		for i, a := range addrs {
			rec.Addrs[i] = a.String()
		}
		if err := n.peerStore.Save(rec); err != nil {
			n.logger.Debug().Err(err).Str("peer", shortID(id)).Msg("Persist peer failed")
		}
	}
}

func (n *Node) loadPersistedPeers() {
	if n.peerStore == nil {
		return
	}
	if _, err := n.peerStore.PruneStale(staleThreshold); err != nil {
		n.logger.Debug().Err(err).Msg("Prune stale peers failed")
	}

	records, err := n.peerStore.LoadAll()
	if err != nil {
		return
	}
	dialed := 0
	for _, rec := range records {
		info, err := rec.addrInfo()
		if err != nil {
			continue
		}
		src := PeerSource(rec.Source)
		if src == SourceInbound {
			src = SourcePersisted
		}
		if n.dial(info, src) {
			dialed++
		}
	}
	if dialed > 0 {
		n.logger.Info().Int("peers", dialed).Msg("Reconnected persisted peers")
	}
}

func (n *Node) runPersistLoop() {
	ticker := time.NewTicker(persistInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			return
		case <-ticker.C:
			n.persistPeers()
			n.peerStore.PruneStale(staleThreshold)
		}
	}
}
