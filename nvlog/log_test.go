package nvlog

import (
	"testing"

	"github.com/pingcap-incubator/tinypm/pmem"
	. "github.com/pingcap/check"
	"github.com/pingcap/errors"
)

func TestT(t *testing.T) {
	TestingT(t)
}

var _ = Suite(&testLogSuite{})

type testLogSuite struct{}

func newTestLog(c *C, slots int) (*pmem.SimRegion, *Log) {
	r := pmem.NewSim(1024)
	l, err := Format(r, 0, slots)
	c.Assert(err, IsNil)
	return r, l
}

func reopen(c *C, r pmem.Region, slots int) *Log {
	l, err := Open(r, 0, slots)
	c.Assert(err, IsNil)
	_, err = l.CheckConsistency()
	c.Assert(err, IsNil)
	return l
}

func (s *testLogSuite) TestStableTailStopsAtFirstUnflushedSlot(c *C) {
	r, l := newTestLog(c, 32)
	for i := 0; i < 5; i++ {
		c.Assert(l.Append(KindAddr, uint64(i)), IsNil)
	}
	l.Flush()
	for i := 5; i < 20; i++ {
		c.Assert(l.Append(KindAddr, uint64(i)), IsNil)
	}

	// Slot i lives at 8+8i. Evicting the line of slot 10 persists slots 7..14 but leaves
	// slots 5 and 6 behind, so the durable prefix still ends at 5.
	crashed := r.Crash(8 + 8*10)
	l2, err := Open(crashed, 0, 32)
	c.Assert(err, IsNil)
	tail, err := l2.CheckConsistency()
	c.Assert(err, IsNil)
	c.Assert(tail, Equals, uint64(5))
	c.Assert(l2.Len(), Equals, 5)
	for i, slot := range l2.Slots() {
		c.Assert(slot.Kind, Equals, KindAddr)
		c.Assert(slot.Payload, Equals, uint64(i))
	}
}

func (s *testLogSuite) TestFlushedTailSurvivesCrash(c *C) {
	r, l := newTestLog(c, 32)
	for i := 0; i < 20; i++ {
		c.Assert(l.Append(KindAddr, uint64(i)), IsNil)
	}
	l.Flush()
	l2 := reopen(c, r.Crash(), 32)
	c.Assert(l2.Tail(), Equals, uint64(20))
}

func (s *testLogSuite) TestFullAndWrap(c *C) {
	r, l := newTestLog(c, 8)
	for i := 0; i < 7; i++ {
		c.Assert(l.Append(KindAddr, uint64(i)), IsNil)
	}
	c.Assert(l.Free(), Equals, 0)
	c.Assert(l.Append(KindAddr, 7), Equals, ErrLogFull)

	l.Flush()
	c.Assert(l.Truncate(5), IsNil)
	for i := 7; i < 11; i++ {
		c.Assert(l.Append(KindAddr, uint64(i)), IsNil)
	}
	l.Flush()

	l2 := reopen(c, r.Crash(), 8)
	c.Assert(l2.Head(), Equals, uint64(5))
	c.Assert(l2.Tail(), Equals, uint64(11))
	var got []uint64
	for _, slot := range l2.Slots() {
		got = append(got, slot.Payload)
	}
	c.Assert(got, DeepEquals, []uint64{5, 6, 7, 8, 9, 10})

	// The stale slot 3 of the first pass still carries the old torn bit.
	c.Assert(l2.Append(KindAddr, 11), IsNil)
	c.Assert(l2.Free(), Equals, 0)
}

func (s *testLogSuite) TestTruncateIsDurable(c *C) {
	r, l := newTestLog(c, 16)
	for i := 0; i < 6; i++ {
		c.Assert(l.Append(KindBegin, 0), IsNil)
	}
	l.Flush()
	c.Assert(l.TruncateAll(), IsNil)
	l2 := reopen(c, r.Crash(), 16)
	c.Assert(l2.Head(), Equals, uint64(6))
	c.Assert(l2.Len(), Equals, 0)

	c.Assert(l.Truncate(3), NotNil)
	c.Assert(l.Truncate(7), NotNil)
}

func (s *testLogSuite) TestNoBoundary(c *C) {
	r, _ := newTestLog(c, 8)
	for i := uint64(0); i < 8; i++ {
		r.StoreWord(8+8*i, tornBit|uint64(KindAddr)<<kindShift)
	}
	l, err := Open(r, 0, 8)
	c.Assert(err, IsNil)
	_, err = l.CheckConsistency()
	c.Assert(errors.Cause(err), Equals, ErrNoBoundary)
}

func (s *testLogSuite) TestRecords(c *C) {
	r, l := newTestLog(c, 64)
	const big = uint64(0xdeadbeefcafef00d)

	c.Assert(l.Append(KindBegin, 0), IsNil)
	c.Assert(l.AppendWrite(0x100, big), IsNil)
	c.Assert(l.AppendWrite(0x108, 1), IsNil)
	c.Assert(l.Append(KindCommit, 42), IsNil)

	c.Assert(l.Append(KindBegin, 0), IsNil)
	c.Assert(l.AppendWrite(0x200, 2), IsNil)
	c.Assert(l.Append(KindAbort, 0), IsNil)

	c.Assert(l.Append(KindBegin, 0), IsNil)
	c.Assert(l.AppendWrite(0x300, 3), IsNil)
	l.Flush()

	l2 := reopen(c, r.Crash(), 64)
	groups, err := l2.Records()
	c.Assert(err, IsNil)
	c.Assert(groups, HasLen, 1)
	c.Assert(groups[0].TS, Equals, uint64(42))
	c.Assert(groups[0].Writes, DeepEquals, []Write{{Addr: 0x100, Value: big}, {Addr: 0x108, Value: 1}})
}

func (s *testLogSuite) TestCorruptRecord(c *C) {
	_, l := newTestLog(c, 16)
	c.Assert(l.Append(KindBegin, 0), IsNil)
	c.Assert(l.Append(KindAddr, 8), IsNil)
	c.Assert(l.Append(KindCommit, 1), IsNil)
	_, err := l.Records()
	c.Assert(errors.Cause(err), Equals, ErrCorruptRecord)
}

func (s *testLogSuite) TestRecordCutByStableTail(c *C) {
	// Slots 0..6 share the first line, slot 7 starts the second one.
	r, l := newTestLog(c, 32)
	c.Assert(l.Append(KindBegin, 0), IsNil)
	c.Assert(l.AppendWrite(0x100, 1), IsNil)
	c.Assert(l.Append(KindCommit, 7), IsNil)
	l.Flush()
	c.Assert(l.Append(KindBegin, 0), IsNil)
	c.Assert(l.AppendWrite(0x200, 2), IsNil)

	// The address at 6 is durable, its value slots are not.
	l2 := reopen(c, r.Crash(8+8*6), 32)
	c.Assert(l2.Tail(), Equals, uint64(7))
	groups, err := l2.Records()
	c.Assert(err, IsNil)
	c.Assert(groups, HasLen, 1)
	c.Assert(groups[0].TS, Equals, uint64(7))

	// Same with the cut between the high and the low half of the value.
	r, l = newTestLog(c, 32)
	for i := 0; i < 2; i++ {
		c.Assert(l.Append(KindBegin, 0), IsNil)
		c.Assert(l.Append(KindAbort, 0), IsNil)
	}
	c.Assert(l.Append(KindBegin, 0), IsNil)
	c.Assert(l.AppendWrite(0x300, 3), IsNil)
	l2 = reopen(c, r.Crash(8), 32)
	c.Assert(l2.Tail(), Equals, uint64(7))
	groups, err = l2.Records()
	c.Assert(err, IsNil)
	c.Assert(groups, HasLen, 0)
}

func (s *testLogSuite) TestAppendWriteIsAllOrNothing(c *C) {
	_, l := newTestLog(c, 4)
	c.Assert(l.Append(KindBegin, 0), IsNil)
	c.Assert(l.AppendWrite(8, 1), Equals, ErrLogFull)
	c.Assert(l.Len(), Equals, 1)
	c.Assert(l.Append(KindAddr, MaxPayload+1), NotNil)
}

func (s *testLogSuite) TestReset(c *C) {
	r, l := newTestLog(c, 8)
	for i := 0; i < 5; i++ {
		c.Assert(l.Append(KindAddr, uint64(i)), IsNil)
	}
	l.Flush()
	c.Assert(l.Truncate(3), IsNil)
	l.Reset()
	l2 := reopen(c, r.Crash(), 8)
	c.Assert(l2.Head(), Equals, uint64(0))
	c.Assert(l2.Len(), Equals, 0)
}
