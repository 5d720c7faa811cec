package slab

// slabList is an intrusive doubly linked list of slabs.
type slabList struct {
	head *slab
	n    int
}

func (l *slabList) push(s *slab) {
	s.prev = nil
	s.next = l.head
	if l.head != nil {
		l.head.prev = s
	}
	l.head = s
	s.list = l
	l.n++
}

func (l *slabList) remove(s *slab) {
	if s.list != l {
		return
	}
	if s.prev != nil {
		s.prev.next = s.next
	} else {
		l.head = s.next
	}
	if s.next != nil {
		s.next.prev = s.prev
	}
	s.prev, s.next, s.list = nil, nil, nil
	l.n--
}

func (l *slabList) each(fn func(*slab)) {
	for s := l.head; s != nil; {
		next := s.next
		fn(s)
		s = next
	}
}

// move relinks s onto dst if it is not there already.
func move(s *slab, dst *slabList) {
	if s.list == dst {
		return
	}
	if s.list != nil {
		s.list.remove(s)
	}
	dst.push(s)
}
