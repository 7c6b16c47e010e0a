package marketdata

import "github.com/obscurainvera/onchain-sub000/internal/model"

type poolKey struct {
	id        int64
	apiKey    string
	available int64
	perCall   int64
	spent     int64
}

// Session meters one fetch operation against a vendor's key pool.
// Balances are drawn down in memory page by page and settled back to
// the store as net deltas when the operation ends. Sessions are not
// safe for concurrent use; each fetch gets its own.
type Session struct {
	keys   []*poolKey
	active *poolKey
}

// NewSession snapshots the pool. Key order follows the credential ids,
// so selection is deterministic.
func NewSession(creds []model.ServiceCredential) *Session {
	s := &Session{}
	for _, c := range creds {
		s.keys = append(s.keys, &poolKey{
			id:        c.ID,
			apiKey:    c.APIKey,
			available: c.AvailableCredits,
			perCall:   c.CreditsPerCall,
		})
	}
	return s
}

// Empty reports whether the service has no registered keys. Unkeyed
// services run on the vendor's free tier.
func (s *Session) Empty() bool { return len(s.keys) == 0 }

// Acquire funds one vendor call and returns the API key to send.
//
// The active key is charged while it can cover its per-call cost; when
// it cannot, the first key that can becomes active. If no key can fund
// the call, the page still runs on the current active key and its
// balance goes negative: a started window is finished on the key that
// opened it. ErrNoCredits is only possible before any key was selected.
func (s *Session) Acquire() (string, error) {
	if s.Empty() {
		return "", nil
	}
	if s.active == nil || s.active.available < s.active.perCall {
		var candidate *poolKey
		for _, k := range s.keys {
			if k.available >= k.perCall {
				candidate = k
				break
			}
		}
		switch {
		case candidate != nil:
			s.active = candidate
		case s.active == nil:
			return "", ErrNoCredits
		}
	}
	s.active.available -= s.active.perCall
	s.active.spent += s.active.perCall
	return s.active.apiKey, nil
}

// Deltas returns the net credits spent per credential id.
func (s *Session) Deltas() map[int64]int64 {
	out := make(map[int64]int64)
	for _, k := range s.keys {
		if k.spent != 0 {
			out[k.id] = k.spent
		}
	}
	return out
}

// Total returns the credits spent across all keys.
func (s *Session) Total() int64 {
	var t int64
	for _, k := range s.keys {
		t += k.spent
	}
	return t
}
