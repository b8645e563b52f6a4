// Copyright (c) 2025-2026 Li Jinling. All rights reserved.
// This software may be modified and distributed under the terms
// of the BSD-3 Clause License. See the LICENSE file for details.

package connection

import (
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/ljl-dev/modbus-rtu-stack/modbus"
)

func emptyQueue() (modbus.Primitive, bool) { return modbus.Primitive{}, false }

func TestMasterConnectWithEmptyQueueStaysIdle(t *testing.T) {
	f := NewMaster(200 * time.Millisecond)
	out := f.Dispatch(MasterEventConnect, nil, emptyQueue)
	if !out.Changed || out.State != MasterIdle {
		t.Fatalf("Connect = %+v, want change to IDLE", out)
	}
	if out.Transmit != nil {
		t.Error("Transmit should be nil with an empty queue")
	}
}

func TestMasterConnectWithQueuedRequestChainsToWaitReply(t *testing.T) {
	req := modbus.NewReadHoldingRegistersRequest(1, 0x000C, 1)
	dequeued := false
	dequeue := func() (modbus.Primitive, bool) {
		if dequeued {
			return modbus.Primitive{}, false
		}
		dequeued = true
		return req, true
	}

	f := NewMaster(200 * time.Millisecond)
	out := f.Dispatch(MasterEventConnect, nil, dequeue)
	if !out.Changed || out.State != MasterWaitReply {
		t.Fatalf("Connect with queued work = %+v, want change to WAIT_REPLY", out)
	}
	if out.Transmit == nil || !cmp.Equal(*out.Transmit, req) {
		t.Fatalf("Transmit = %v, want %v", out.Transmit, req)
	}
	if out.Arm == nil || *out.Arm != 200*time.Millisecond {
		t.Fatalf("Arm = %v, want 200ms", out.Arm)
	}
	if f.RequestAddress() != 1 {
		t.Errorf("RequestAddress() = %d, want 1", f.RequestAddress())
	}
}

func TestMasterHappyPath(t *testing.T) {
	req := modbus.NewReadHoldingRegistersRequest(1, 0x000C, 1)
	f := NewMaster(200 * time.Millisecond)
	f.Dispatch(MasterEventConnect, nil, emptyQueue)

	dequeue := func() (modbus.Primitive, bool) { return req, true }
	out := f.Dispatch(MasterEventSubmitPrim, nil, dequeue)
	if out.State != MasterWaitReply || out.Transmit == nil {
		t.Fatalf("SubmitPrim = %+v, want WAIT_REPLY with a request to transmit", out)
	}

	resp := modbus.NewReadHoldingRegistersResponse(1, []uint16{0x007B})
	out = f.Dispatch(MasterEventRecvPrim, resp, emptyQueue)
	if !out.Changed || out.State != MasterIdle {
		t.Fatalf("RecvPrim = %+v, want change back to IDLE", out)
	}
	if out.Deliver == nil || !cmp.Equal(*out.Deliver, resp) {
		t.Fatalf("Deliver = %v, want %v", out.Deliver, resp)
	}
}

func TestMasterNoResponseTimeoutSynthesizesIndication(t *testing.T) {
	req := modbus.NewReadHoldingRegistersRequest(5, 0x0000, 2)
	f := NewMaster(200 * time.Millisecond)
	f.Dispatch(MasterEventConnect, nil, emptyQueue)
	f.Dispatch(MasterEventSubmitPrim, nil, func() (modbus.Primitive, bool) { return req, true })

	out := f.Dispatch(MasterEventNoResponseTimeout, nil, emptyQueue)
	if !out.Changed || out.State != MasterIdle {
		t.Fatalf("NoResponseTimeout = %+v, want change to IDLE", out)
	}
	want := modbus.NewResponseTimeoutIndication(5)
	if out.Deliver == nil || !cmp.Equal(*out.Deliver, want) {
		t.Fatalf("Deliver = %v, want %v", out.Deliver, want)
	}
}

func TestMasterDispatchPanicsOnInvalidEvent(t *testing.T) {
	defer func() {
		if recover() == nil {
			t.Fatal("Dispatch did not panic on RecvPrim while DISCONNECTED")
		}
	}()
	f := NewMaster(200 * time.Millisecond)
	f.Dispatch(MasterEventRecvPrim, modbus.Primitive{}, emptyQueue)
}
