package rudt

import (
	"sync"
	"time"
)

// epollEvent is a readiness bitmask, mirroring EPOLLIN/EPOLLOUT/EPOLLERR.
type epollEvent uint32

const (
	EpollIn  epollEvent = 1 << 0
	EpollOut epollEvent = 1 << 1
	EpollErr epollEvent = 1 << 2
)

// epollFlag controls descriptor-wide behavior (edge-triggered mode).
type epollFlag uint32

const epollEdgeTriggered epollFlag = 1 << 0

// epollDescriptor is one epoll-id's state: watched sockets/fds, their
// readiness sets, and a condition variable for waiters (spec.md §4.12).
type epollDescriptor struct {
	mu sync.Mutex
	cv *sync.Cond

	uSockets map[uint32]epollEvent
	sSockets map[int]epollEvent

	readyReads  map[uint32]bool
	readyWrites map[uint32]bool
	readyErrors map[uint32]bool

	flags epollFlag
}

func newEpollDescriptor() *epollDescriptor {
	d := &epollDescriptor{
		uSockets:    make(map[uint32]epollEvent),
		sSockets:    make(map[int]epollEvent),
		readyReads:  make(map[uint32]bool),
		readyWrites: make(map[uint32]bool),
		readyErrors: make(map[uint32]bool),
	}
	d.cv = sync.NewCond(&d.mu)
	return d
}

// epollService is the Registry-owned table of descriptors keyed by
// integer epoll id (spec.md §4.12).
type epollService struct {
	mu     sync.Mutex
	nextID int
	descs  map[int]*epollDescriptor

	// socketSubs maps a socket id to every descriptor watching it, so
	// update_events can fan out without scanning every descriptor.
	socketSubs map[uint32]map[int]bool
}

func newEpollService() *epollService {
	return &epollService{descs: make(map[int]*epollDescriptor), socketSubs: make(map[uint32]map[int]bool)}
}

func (s *epollService) create() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	id := s.nextID
	s.descs[id] = newEpollDescriptor()
	return id
}

func (s *epollService) addUSock(eid int, socketID uint32, events epollEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descs[eid]
	if !ok {
		return errInval()
	}
	d.mu.Lock()
	d.uSockets[socketID] = events
	d.mu.Unlock()
	if s.socketSubs[socketID] == nil {
		s.socketSubs[socketID] = make(map[int]bool)
	}
	s.socketSubs[socketID][eid] = true
	return nil
}

func (s *epollService) updateUSock(eid int, socketID uint32, events epollEvent) error {
	return s.addUSock(eid, socketID, events)
}

func (s *epollService) removeUSock(eid int, socketID uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descs[eid]
	if !ok {
		return errInval()
	}
	d.mu.Lock()
	delete(d.uSockets, socketID)
	delete(d.readyReads, socketID)
	delete(d.readyWrites, socketID)
	delete(d.readyErrors, socketID)
	d.mu.Unlock()
	if subs := s.socketSubs[socketID]; subs != nil {
		delete(subs, eid)
	}
	return nil
}

func (s *epollService) addSSock(eid int, fd int, events epollEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descs[eid]
	if !ok {
		return errInval()
	}
	d.mu.Lock()
	d.sSockets[fd] = events
	d.mu.Unlock()
	return nil
}

func (s *epollService) removeSSock(eid int, fd int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descs[eid]
	if !ok {
		return errInval()
	}
	d.mu.Lock()
	delete(d.sSockets, fd)
	d.mu.Unlock()
	return nil
}

// updateEvents is called from inside the transport (connection state
// changes, buffer fills/drains) to publish readiness to every descriptor
// watching socketID (spec.md §4.12 "update_events").
func (s *epollService) updateEvents(socketID uint32, mask epollEvent, enable bool) {
	s.mu.Lock()
	subs := s.socketSubs[socketID]
	var descs []*epollDescriptor
	for eid := range subs {
		if d, ok := s.descs[eid]; ok {
			descs = append(descs, d)
		}
	}
	s.mu.Unlock()

	for _, d := range descs {
		d.mu.Lock()
		watched := d.uSockets[socketID]
		if mask&EpollIn != 0 && watched&EpollIn != 0 {
			setMembership(d.readyReads, socketID, enable)
		}
		if mask&EpollOut != 0 && watched&EpollOut != 0 {
			setMembership(d.readyWrites, socketID, enable)
		}
		if mask&EpollErr != 0 && watched&EpollErr != 0 {
			setMembership(d.readyErrors, socketID, enable)
		}
		d.cv.Broadcast()
		d.mu.Unlock()
	}
}

func setMembership(set map[uint32]bool, id uint32, enable bool) {
	if enable {
		set[id] = true
	} else {
		delete(set, id)
	}
}

// wait blocks (up to timeout, <0 = forever) until at least one watched
// socket is ready, then copies the ready sets out (spec.md §4.12 "wait").
func (s *epollService) wait(eid int, timeout time.Duration) (reads, writes, errs []uint32, err error) {
	s.mu.Lock()
	d, ok := s.descs[eid]
	s.mu.Unlock()
	if !ok {
		return nil, nil, nil, errInval()
	}

	deadline := time.Now().Add(timeout)
	d.mu.Lock()
	for len(d.readyReads) == 0 && len(d.readyWrites) == 0 && len(d.readyErrors) == 0 {
		if timeout == 0 {
			d.mu.Unlock()
			return nil, nil, nil, errAgainRD()
		}
		if timeout > 0 {
			remaining := time.Until(deadline)
			if remaining <= 0 {
				d.mu.Unlock()
				return nil, nil, nil, errTimeout()
			}
			timer := time.AfterFunc(remaining, d.cv.Broadcast)
			d.cv.Wait()
			timer.Stop()
		} else {
			d.cv.Wait()
		}
	}
	reads = keysOf(d.readyReads)
	writes = keysOf(d.readyWrites)
	errs = keysOf(d.readyErrors)
	if d.flags&epollEdgeTriggered != 0 {
		d.readyReads = make(map[uint32]bool)
		d.readyWrites = make(map[uint32]bool)
		d.readyErrors = make(map[uint32]bool)
	}
	d.mu.Unlock()
	return reads, writes, errs, nil
}

// uwaitEvent is one entry of the flat-array form for FFI callers
// (spec.md §4.12 "uwait").
type uwaitEvent struct {
	SocketID uint32
	Events   epollEvent
}

func (s *epollService) uwait(eid int, maxEvents int, timeout time.Duration) ([]uwaitEvent, error) {
	reads, writes, errs, err := s.wait(eid, timeout)
	if err != nil {
		return nil, err
	}
	merged := make(map[uint32]epollEvent)
	for _, id := range reads {
		merged[id] |= EpollIn
	}
	for _, id := range writes {
		merged[id] |= EpollOut
	}
	for _, id := range errs {
		merged[id] |= EpollErr
	}
	out := make([]uwaitEvent, 0, len(merged))
	for id, ev := range merged {
		out = append(out, uwaitEvent{SocketID: id, Events: ev})
		if len(out) >= maxEvents {
			break
		}
	}
	return out, nil
}

func (s *epollService) setFlags(eid int, flags epollFlag) (epollFlag, error) {
	s.mu.Lock()
	d, ok := s.descs[eid]
	s.mu.Unlock()
	if !ok {
		return 0, errInval()
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	prev := d.flags
	d.flags = flags
	return prev, nil
}

func (s *epollService) release(eid int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.descs[eid]
	if !ok {
		return errInval()
	}
	for id := range d.uSockets {
		if subs := s.socketSubs[id]; subs != nil {
			delete(subs, eid)
		}
	}
	delete(s.descs, eid)
	return nil
}

func keysOf(m map[uint32]bool) []uint32 {
	out := make([]uint32, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	return out
}
