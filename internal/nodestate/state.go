// Package nodestate tracks the supplies and demands this node proposed and
// is still waiting on, plus the migration lock raised by a server change.
package nodestate

import (
	"sync"

	"github.com/danmuck/sxutil/internal/protocol"
	"github.com/rs/zerolog/log"
)

// State is shared by every service client of one node.
type State struct {
	mu             sync.RWMutex
	proposedSupply []protocol.Supply
	proposedDemand []protocol.Demand
	locked         bool
}

func New() *State {
	return &State{}
}

// ProposeSupply records a supply that is awaiting selection. An id already
// pending is ignored.
func (s *State) ProposeSupply(sp protocol.Supply) {
	s.mu.Lock()
	if supplyIndex(s.proposedSupply, sp.ID) >= 0 {
		s.mu.Unlock()
		log.Warn().Uint64("supply_id", sp.ID).Msg("nodestate.State.ProposeSupply already pending")
		return
	}
	s.proposedSupply = append(s.proposedSupply, sp)
	n := len(s.proposedSupply)
	s.mu.Unlock()
	log.Debug().Uint64("supply_id", sp.ID).Int("pending", n).Msg("nodestate.State.ProposeSupply")
}

// ProposeDemand records a demand that is awaiting selection. An id already
// pending is ignored.
func (s *State) ProposeDemand(dm protocol.Demand) {
	s.mu.Lock()
	if demandIndex(s.proposedDemand, dm.ID) >= 0 {
		s.mu.Unlock()
		log.Warn().Uint64("demand_id", dm.ID).Msg("nodestate.State.ProposeDemand already pending")
		return
	}
	s.proposedDemand = append(s.proposedDemand, dm)
	n := len(s.proposedDemand)
	s.mu.Unlock()
	log.Debug().Uint64("demand_id", dm.ID).Int("pending", n).Msg("nodestate.State.ProposeDemand")
}

// ProposedSupplyIndex returns the position of id in the proposed supplies, or -1.
func (s *State) ProposedSupplyIndex(id uint64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return supplyIndex(s.proposedSupply, id)
}

// ProposedDemandIndex returns the position of id in the proposed demands, or -1.
func (s *State) ProposedDemandIndex(id uint64) int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return demandIndex(s.proposedDemand, id)
}

// SelectSupply drops the proposed supply with id and reports whether it was found.
func (s *State) SelectSupply(id uint64) bool {
	s.mu.Lock()
	pos := supplyIndex(s.proposedSupply, id)
	if pos >= 0 {
		s.proposedSupply = append(s.proposedSupply[:pos], s.proposedSupply[pos+1:]...)
	}
	s.mu.Unlock()
	if pos < 0 {
		log.Warn().Uint64("supply_id", id).Msg("nodestate.State.SelectSupply not found")
		return false
	}
	return true
}

// SelectDemand drops the proposed demand with id and reports whether it was found.
func (s *State) SelectDemand(id uint64) bool {
	s.mu.Lock()
	pos := demandIndex(s.proposedDemand, id)
	if pos >= 0 {
		s.proposedDemand = append(s.proposedDemand[:pos], s.proposedDemand[pos+1:]...)
	}
	s.mu.Unlock()
	if pos < 0 {
		log.Warn().Uint64("demand_id", id).Msg("nodestate.State.SelectDemand not found")
		return false
	}
	return true
}

// IsSafeState reports whether no proposal is outstanding.
func (s *State) IsSafeState() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.proposedSupply) == 0 && len(s.proposedDemand) == 0
}

// Init clears both proposal lists and the lock.
func (s *State) Init() {
	s.mu.Lock()
	s.proposedSupply = nil
	s.proposedDemand = nil
	s.locked = false
	s.mu.Unlock()
	log.Debug().Msg("nodestate.State.Init")
}

// Lock raises the migration lock and reports whether this call raised it.
func (s *State) Lock() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.locked {
		return false
	}
	s.locked = true
	return true
}

// LockIfUnsafe raises the lock only when proposals are outstanding. safe is
// true when the state was already quiescent; raised is true when this call
// flipped the lock.
func (s *State) LockIfUnsafe() (safe bool, raised bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.proposedSupply) == 0 && len(s.proposedDemand) == 0 {
		return true, false
	}
	if s.locked {
		return false, false
	}
	s.locked = true
	return false, true
}

func (s *State) Locked() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.locked
}

// Snapshot is a point-in-time copy of the tracker.
type Snapshot struct {
	ProposedSupplyIDs []uint64
	ProposedDemandIDs []uint64
	Locked            bool
}

func (s *State) Snapshot() Snapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap := Snapshot{
		ProposedSupplyIDs: make([]uint64, 0, len(s.proposedSupply)),
		ProposedDemandIDs: make([]uint64, 0, len(s.proposedDemand)),
		Locked:            s.locked,
	}
	for _, sp := range s.proposedSupply {
		snap.ProposedSupplyIDs = append(snap.ProposedSupplyIDs, sp.ID)
	}
	for _, dm := range s.proposedDemand {
		snap.ProposedDemandIDs = append(snap.ProposedDemandIDs, dm.ID)
	}
	return snap
}

func supplyIndex(list []protocol.Supply, id uint64) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}

func demandIndex(list []protocol.Demand, id uint64) int {
	for i := range list {
		if list[i].ID == id {
			return i
		}
	}
	return -1
}
