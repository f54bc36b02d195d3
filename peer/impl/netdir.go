package impl

import (
	"io"
	"time"

	"github.com/fxamacker/cbor/v2"
	"go.dedis.ch/onion/peer"
	"go.dedis.ch/onion/types"
	"go.dedis.ch/onion/utils"
	"golang.org/x/xerrors"
)

// Document flavors in the document store.
const (
	FlavorConsensus = "consensus"
	FlavorMicrodesc = "microdesc"

	// latestConsensus is the digest under which the current consensus is
	// stored.
	latestConsensus = "latest"
)

// consensusDoc lists the digests of the descriptors of every listed relay.
type consensusDoc struct {
	ValidAfter int64    `cbor:"1,keyasint"`
	Relays     []string `cbor:"2,keyasint"`
}

// NetDir is the client's view of the network: the relays listed by the
// current consensus.
type NetDir struct {
	validAfter time.Time
	relays     []*types.RelayDescriptor
}

// NewNetDir returns a directory listing relays.
func NewNetDir(relays []*types.RelayDescriptor) *NetDir {
	return &NetDir{validAfter: time.Now(), relays: relays}
}

// StoreNetDir writes every descriptor and a consensus listing them.
func StoreNetDir(store peer.DocumentStore, relays []*types.RelayDescriptor) error {
	doc := consensusDoc{ValidAfter: time.Now().Unix()}

	for _, r := range relays {
		err := r.Validate()
		if err != nil {
			return err
		}
		buf, err := cbor.Marshal(r)
		if err != nil {
			return xerrors.Errorf("failed to encode %s: %v", r, err)
		}
		digest, _ := utils.Sha256Encode(buf)

		err = store.Put(FlavorMicrodesc, digest, buf)
		if err != nil {
			return xerrors.Errorf("failed to store %s: %w", r, err)
		}
		doc.Relays = append(doc.Relays, digest)
	}

	buf, err := cbor.Marshal(doc)
	if err != nil {
		return xerrors.Errorf("failed to encode consensus: %v", err)
	}
	return store.Put(FlavorConsensus, latestConsensus, buf)
}

// LoadNetDir reads the current consensus and its descriptors. It fails with
// ErrNeedConsensus when the store has no consensus. Missing or invalid
// descriptors are skipped.
func LoadNetDir(store peer.DocumentStore) (*NetDir, error) {
	buf, err := store.Get(FlavorConsensus, latestConsensus)
	if xerrors.Is(err, peer.ErrNotFound) {
		return nil, ErrNeedConsensus
	}
	if err != nil {
		return nil, xerrors.Errorf("failed to read consensus: %w", err)
	}

	var doc consensusDoc
	err = cbor.Unmarshal(buf, &doc)
	if err != nil {
		return nil, xerrors.Errorf("malformed consensus: %v", err)
	}

	dir := &NetDir{validAfter: time.Unix(doc.ValidAfter, 0)}
	for _, digest := range doc.Relays {
		raw, err := store.Get(FlavorMicrodesc, digest)
		if err != nil {
			logger.Warn().Err(err).Str("digest", digest).Msg("descriptor unavailable")
			continue
		}

		computed, _ := utils.Sha256Encode(raw)
		if computed != digest {
			logger.Warn().Str("digest", digest).Msg("descriptor digest mismatch")
			continue
		}

		desc := new(types.RelayDescriptor)
		err = cbor.Unmarshal(raw, desc)
		if err == nil {
			err = desc.Validate()
		}
		if err != nil {
			logger.Warn().Err(err).Str("digest", digest).Msg("invalid descriptor")
			continue
		}
		dir.relays = append(dir.relays, desc)
	}

	return dir, nil
}

// ValidAfter returns the time the consensus was made.
func (d *NetDir) ValidAfter() time.Time {
	return d.validAfter
}

// Relays returns every listed relay.
func (d *NetDir) Relays() []*types.RelayDescriptor {
	return d.relays
}

// Filter returns the relays for which keep is true.
func (d *NetDir) Filter(keep func(*types.RelayDescriptor) bool) []*types.RelayDescriptor {
	var res []*types.RelayDescriptor
	for _, r := range d.relays {
		if keep(r) {
			res = append(res, r)
		}
	}
	return res
}

// Pick returns a random relay for which keep is true.
func (d *NetDir) Pick(rng io.Reader, keep func(*types.RelayDescriptor) bool) (*types.RelayDescriptor, error) {
	candidates := d.Filter(keep)
	if len(candidates) == 0 {
		return nil, ErrNoRelays
	}
	i, err := utils.RandomIndex(rng, len(candidates))
	if err != nil {
		return nil, err
	}
	return candidates[i], nil
}

// Guards returns the relays flagged as guards.
func (d *NetDir) Guards() []peer.CircTarget {
	var res []peer.CircTarget
	for _, r := range d.relays {
		if r.HasFlag(types.FlagGuard) {
			res = append(res, r)
		}
	}
	return res
}
