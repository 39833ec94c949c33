package avc

// AccessUnitSplitter cuts a raw Annex-B byte stream into access units on
// access unit delimiters. The encoder must emit a delimiter ahead of every
// access unit.
type AccessUnitSplitter struct {
	buf     []byte
	scanned int
}

// Push appends stream bytes and returns every access unit completed by them.
// Returned slices are owned by the caller.
func (s *AccessUnitSplitter) Push(data []byte) [][]byte {
	s.buf = append(s.buf, data...)

	var aus [][]byte
	start := s.firstBoundary()
	if start < 0 {
		return nil
	}
	if start > 0 {
		// Garbage before the first delimiter.
		s.buf = s.buf[start:]
		s.scanned = 0
	}

	from := s.scanned
	if from < 4 {
		from = 4
	}
	for i := from; i+3 < len(s.buf); i++ {
		if !isAUDAt(s.buf, i) {
			continue
		}
		cut := i
		if s.buf[i-1] == 0x00 {
			cut = i - 1
		}
		aus = append(aus, append([]byte(nil), s.buf[:cut]...))
		s.buf = s.buf[cut:]
		i = 3
	}
	// The tail may hold a partial start code, rescan it next time.
	s.scanned = len(s.buf) - 3
	if s.scanned < 0 {
		s.scanned = 0
	}
	return aus
}

// Flush returns the final buffered access unit, if any.
func (s *AccessUnitSplitter) Flush() []byte {
	if s.firstBoundary() != 0 {
		s.buf = nil
		s.scanned = 0
		return nil
	}
	au := s.buf
	s.buf = nil
	s.scanned = 0
	return au
}

func (s *AccessUnitSplitter) firstBoundary() int {
	for i := 0; i+3 < len(s.buf); i++ {
		if isAUDAt(s.buf, i) {
			if i > 0 && s.buf[i-1] == 0x00 {
				return i - 1
			}
			return i
		}
	}
	return -1
}
