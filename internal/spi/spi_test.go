package spi

import (
	"context"
	"testing"
)

func TestBuildParseFrame_RoundTrip(t *testing.T) {
	payload := []byte{1, 2, 3, 4}
	frame := buildFrame(3, 5, payload)

	master, slave, got, ok := parseFrame(frame)
	if !ok {
		t.Fatalf("parseFrame reported malformed frame")
	}
	if master != 3 || slave != 5 {
		t.Fatalf("got seq (%d,%d), want (3,5)", master, slave)
	}
	if string(got) != string(payload) {
		t.Fatalf("got payload %v, want %v", got, payload)
	}
}

func TestBuildFrame_EmptyPollFrame(t *testing.T) {
	frame := buildFrame(0, 0, nil)
	if len(frame) != 84 || frame[1] != 4 {
		t.Fatalf("empty poll frame size = %d, length byte = %d, want 84 and 4", len(frame), frame[1])
	}
}

func TestParseFrame_BadPreambleRejected(t *testing.T) {
	frame := buildFrame(1, 1, []byte{9})
	frame[0] = 0x00
	if _, _, _, ok := parseFrame(frame); ok {
		t.Fatalf("parseFrame accepted a frame with a corrupted preamble")
	}
}

func TestParseFrame_BadChecksumRejected(t *testing.T) {
	frame := buildFrame(1, 1, []byte{9})
	frame[int(frame[1])-1] ^= 0xFF
	if _, _, _, ok := parseFrame(frame); ok {
		t.Fatalf("parseFrame accepted a frame with a corrupted checksum")
	}
}

type fakeTransceiver struct {
	reply []byte
}

func (f *fakeTransceiver) Select(int) error   { return nil }
func (f *fakeTransceiver) Deselect(int) error { return nil }
func (f *fakeTransceiver) Transfer(tx []byte) ([]byte, error) {
	return f.reply, nil
}

func TestStack_DispatchQueuesOnRecipientSlave(t *testing.T) {
	s := NewStack(&fakeTransceiver{})
	s.slaves[2].present = true
	s.presentCount = 3

	if err := s.Dispatch(context.Background(), []byte{1, 2}, 2); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if got := s.slaves[2].peek(); string(got) != "\x01\x02" {
		t.Fatalf("slave 2 queue head = %v, want [1 2]", got)
	}
}

func TestStack_DispatchBroadcastQueuesOnEveryPresentSlave(t *testing.T) {
	s := NewStack(&fakeTransceiver{})
	s.presentCount = 2

	if err := s.Dispatch(context.Background(), []byte{7}, nil); err != nil {
		t.Fatalf("Dispatch error: %v", err)
	}
	if s.slaves[0].peek() == nil || s.slaves[1].peek() == nil {
		t.Fatalf("broadcast did not reach every present slave")
	}
}

func TestStack_PollOneAdvancesSequenceOnAck(t *testing.T) {
	s := NewStack(&fakeTransceiver{})
	s.slaves[0].present = true
	s.presentCount = 1
	s.slaves[0].enqueue([]byte{0xAB})

	reply := buildFrame(0, 0, nil) // echoes master_seq=0, matching our sent seq
	s.bus = &fakeTransceiver{reply: reply}

	s.pollOne(0, s.slaves[0])

	if s.slaves[0].seqMaster != 1 {
		t.Fatalf("seqMaster = %d, want 1 after ACK", s.slaves[0].seqMaster)
	}
	if s.slaves[0].queue.Len() != 0 {
		t.Fatalf("queue should be empty after ACK, got %d", s.slaves[0].queue.Len())
	}
}
