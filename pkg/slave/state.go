// Package slave models a discovered EtherCAT slave and drives its two
// sub-FSMs: AL state change (§4.9) and slave configuration (§4.11).
//
// Grounded on the original master's state-change handling in
// master/fsm_slave.c-equivalent register pokes (AL control 0x0120 / AL
// status 0x0130) and, for the step-function shape itself, the teacher's
// NMT command/state pattern (pkg/nmt/nmt.go): named state constants plus a
// small struct owning the current/previous/requested state.
package slave

import (
	"time"

	log "github.com/sirupsen/logrus"

	ec "github.com/gosoem/master"
	"github.com/gosoem/master/internal/wire"
	"github.com/gosoem/master/pkg/datagram"
)

type sender interface {
	SimpleIO(d *datagram.Datagram, timeout time.Duration) error
}

// statePollInterval and stateChangeTimeout implement §4.9's "poll every
// ≈100µs for up to ≈10ms".
const (
	statePollInterval  = 100 * time.Microsecond
	stateChangeTimeout = 10 * time.Millisecond
)

// stateChangeRetries bounds how many times an ack-and-resume cycle is
// attempted before giving up (§7 "bounded a small number of times").
const stateChangeRetries = 3

// RequestState drives a slave from its current AL state to target,
// handling the error-acknowledge handshake (§4.9). On an AL error it
// acknowledges and, once the acknowledgement clears, resumes the original
// target request rather than giving up (§4.9's worked ack scenario).
// stationAddr must already be the slave's configured address.
func RequestState(fm sender, stationAddr uint16, target ec.ALState) error {
	var err error
	for attempt := 0; attempt <= stateChangeRetries; attempt++ {
		err = requestState(fm, stationAddr, target)
		if err != ec.ErrStateChangeRefused {
			return err
		}
	}
	return err
}

// requestState runs one attempt of the state-change sub-FSM: write target,
// poll until reached, and on an AL error bit acknowledge and poll until the
// acknowledgement clears before reporting refusal to the caller's retry
// loop (§4.9).
func requestState(fm sender, stationAddr uint16, target ec.ALState) error {
	if err := writeControl(fm, stationAddr, uint8(target)); err != nil {
		return err
	}

	deadline := time.Now().Add(stateChangeTimeout)
	for {
		status, err := readStatus(fm, stationAddr)
		if err != nil {
			return err
		}
		if status&ec.ALStatusError != 0 {
			actual := ec.ALState(status & ec.ALStatusMask)
			log.WithFields(log.Fields{
				"station": stationAddr, "target": target, "actual": actual,
			}).Warn("[SLAVE] state change refused, acknowledging error")
			if err := ackError(fm, stationAddr, actual); err != nil {
				return err
			}
			return ec.ErrStateChangeRefused
		}
		if ec.ALState(status&ec.ALStatusMask) == target {
			return nil
		}
		if time.Now().After(deadline) {
			return ec.ErrStateChangeTimeout
		}
		time.Sleep(statePollInterval)
	}
}

// ackError writes actual|Ack and polls until AL status reads actual cleanly
// (error bit cleared), per §4.9's worked ack scenario.
func ackError(fm sender, stationAddr uint16, actual ec.ALState) error {
	if err := writeControl(fm, stationAddr, uint8(actual)|ec.ALStatusAck); err != nil {
		return err
	}
	deadline := time.Now().Add(stateChangeTimeout)
	for {
		status, err := readStatus(fm, stationAddr)
		if err != nil {
			return err
		}
		if status&ec.ALStatusError == 0 && ec.ALState(status&ec.ALStatusMask) == actual {
			return nil
		}
		if time.Now().After(deadline) {
			return ec.ErrStateChangeTimeout
		}
		time.Sleep(statePollInterval)
	}
}

func writeControl(fm sender, stationAddr uint16, value uint8) error {
	d := datagram.New(datagram.NPWR)
	d.InitNPWR(stationAddr, ec.RegALControl, 2)
	wire.WriteU16(d.Data, 0, uint16(value))
	return fm.SimpleIO(d, stateChangeTimeout)
}

func readStatus(fm sender, stationAddr uint16) (uint8, error) {
	d := datagram.New(datagram.NPRD)
	d.InitNPRD(stationAddr, ec.RegALStatus, 2)
	if err := fm.SimpleIO(d, stateChangeTimeout); err != nil {
		return 0, err
	}
	return uint8(wire.ReadU16(d.Data, 0)), nil
}
