package objdb

import (
	"bytes"
	"context"
	"log/slog"
)

const (
	debugLogRawScans = false
)

// rangeScan walks the entries of one bucket within rawBounds.
//
// It keeps no storage cursor between steps: each step opens a fresh
// cursor and repositions from the last returned key, so records written or
// deleted by the same transaction between steps never confuse it.
//
// In grouped buckets (non-unique indexes) a key is field‖primary key, and
// bounds and unique directions apply to the field part only.
type rangeScan struct {
	bucketName string
	sub        string
	bounds     rawBounds
	reverse    bool
	unique     bool
	grouped    bool
	logger     *slog.Logger

	started bool
	ended   bool
	last    []byte
	lastPos []byte
}

func newStoreScan(ss *storeState, bounds rawBounds, dir Direction) *rangeScan {
	return &rangeScan{
		bucketName: ss.bucketName,
		sub:        dataBucket,
		bounds:     bounds,
		reverse:    dir.reverse(),
		unique:     dir.unique(),
	}
}

func newIndexScan(ss *storeState, is *indexState, bounds rawBounds, dir Direction) *rangeScan {
	return &rangeScan{
		bucketName: ss.bucketName,
		sub:        is.bucketName(),
		bounds:     bounds,
		reverse:    dir.reverse(),
		unique:     dir.unique(),
		grouped:    !is.Unique,
	}
}

func (s *rangeScan) pos(k []byte) []byte {
	if !s.grouped {
		return k
	}
	p, _, err := splitKey(k)
	if err != nil {
		return k
	}
	return p
}

// step returns the next entry in range, or a nil key once the range is
// exhausted. Exhaustion is permanent.
func (s *rangeScan) step(stx storageTx) ([]byte, []byte, error) {
	if s.ended {
		return nil, nil, nil
	}
	b := stx.Bucket(s.bucketName, s.sub)
	if b == nil {
		s.ended = true
		return nil, nil, nil
	}
	c := b.Cursor()

	var k, v []byte
	if !s.started {
		s.started = true
		k, v = s.first(c)
	} else {
		k, v = s.next(c)
	}
	if k == nil {
		s.ended = true
		return nil, nil, nil
	}

	pos := s.pos(k)
	if s.reverse && !s.bounds.lowerOK(pos) || !s.reverse && !s.bounds.upperOK(pos) {
		if debugLogRawScans {
			s.logger.LogAttrs(context.Background(), slog.LevelDebug, "OUT OF RANGE", hexAttr("key", k))
		}
		s.ended = true
		return nil, nil, nil
	}
	s.last = bytes.Clone(k)
	s.lastPos = bytes.Clone(pos)
	return k, v, nil
}

func (s *rangeScan) first(c storageCursor) ([]byte, []byte) {
	var k, v []byte
	if s.reverse {
		if s.bounds.Upper == nil {
			k, v = c.Last()
		} else {
			k, v = c.SeekLast(s.bounds.Upper)
			if debugLogRawScans {
				s.logger.LogAttrs(context.Background(), slog.LevelDebug, "SEEK to upper", hexAttr("upper", s.bounds.Upper), hexAttr("key", k))
			}
			if s.bounds.UpperOpen {
				for k != nil && bytes.Equal(s.pos(k), s.bounds.Upper) {
					k, v = c.Prev()
				}
			}
		}
		if s.unique && k != nil {
			k, v = c.Seek(s.pos(k))
		}
	} else {
		if s.bounds.Lower == nil {
			k, v = c.First()
		} else {
			k, v = c.Seek(s.bounds.Lower)
			if debugLogRawScans {
				s.logger.LogAttrs(context.Background(), slog.LevelDebug, "SEEK to lower", hexAttr("lower", s.bounds.Lower), hexAttr("key", k))
			}
			if s.bounds.LowerOpen {
				for k != nil && bytes.Equal(s.pos(k), s.bounds.Lower) {
					k, v = c.Next()
				}
			}
		}
	}
	return k, v
}

func (s *rangeScan) next(c storageCursor) ([]byte, []byte) {
	k, v := c.Seek(s.last)
	if s.reverse {
		if k == nil {
			k, v = c.Last()
		} else {
			k, v = c.Prev()
		}
		if s.unique {
			for k != nil && bytes.Equal(s.pos(k), s.lastPos) {
				k, v = c.Prev()
			}
			if k != nil {
				k, v = c.Seek(s.pos(k))
			}
		}
	} else {
		if k != nil && bytes.Equal(k, s.last) {
			k, v = c.Next()
		}
		if s.unique {
			for k != nil && bytes.Equal(s.pos(k), s.lastPos) {
				k, v = c.Next()
			}
		}
	}
	return k, v
}
