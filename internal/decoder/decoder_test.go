package decoder

import (
	"github.com/resident-x/go-wattdog/internal/domain"
)

// captureSink records everything a decoder reports, in order.
type captureSink struct {
	updates    []lineUpdate
	errorCodes []uint8
}

type lineUpdate struct {
	line    domain.Line
	reading domain.LineReading
}

func (s *captureSink) UpdateLine(line domain.Line, reading domain.LineReading) {
	s.updates = append(s.updates, lineUpdate{line: line, reading: reading})
}

func (s *captureSink) SetErrorCode(code uint8) {
	s.errorCodes = append(s.errorCodes, code)
}

func (s *captureSink) lastFor(line domain.Line) (domain.LineReading, bool) {
	for i := len(s.updates) - 1; i >= 0; i-- {
		if s.updates[i].line == line {
			return s.updates[i].reading, true
		}
	}
	return domain.LineReading{}, false
}
