// Command ecmaster brings up one EtherCAT segment on a raw Ethernet
// interface and runs the master's cooperative background FSM alongside a
// minimal cyclic realtime loop.
//
// Grounded on the teacher's cmd/canopen/main.go: flag-parsed interface
// name, logrus level setup, and a background goroutine driving periodic
// processing separate from the main cyclic loop.
package main

import (
	"flag"
	"fmt"
	"os"
	"time"

	log "github.com/sirupsen/logrus"

	ec "github.com/gosoem/master"
	"github.com/gosoem/master/pkg/config"
	"github.com/gosoem/master/pkg/device"
	"github.com/gosoem/master/pkg/master"
)

func main() {
	log.SetLevel(log.InfoLevel)

	ifaceName := flag.String("i", "eth0", "network interface the EtherCAT segment is attached to")
	cyclePeriod := flag.Duration("cycle", time.Millisecond, "realtime cycle period")
	backgroundPeriod := flag.Duration("background", 10*time.Millisecond, "background FSM step period")
	masterIndex := flag.Int("index", 0, "master index to register under")
	configPath := flag.String("config", "", "optional bring-up file (interface, cycle timing, slave/SDO declarations)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	if *verbose {
		log.SetLevel(log.DebugLevel)
	}

	var slaves []config.SlaveEntry
	if *configPath != "" {
		cfg, err := config.LoadFile(*configPath)
		if err != nil {
			fmt.Printf("failed to load %v: %v\n", *configPath, err)
			os.Exit(1)
		}
		ifaceName, cyclePeriod, backgroundPeriod, masterIndex = &cfg.Interface, &cfg.CyclePeriod, &cfg.BackgroundPeriod, &cfg.MasterIndex
		slaves = cfg.Slaves
	}

	dev, err := device.New("raw", *ifaceName, [6]byte{})
	if err != nil {
		fmt.Printf("failed to open interface %v: %v\n", *ifaceName, err)
		os.Exit(1)
	}
	dev.Open()

	fm := ec.NewFrameManager(dev)
	m := master.New(fm)
	master.Register(*masterIndex, m)

	if _, err := master.RequestMaster(*masterIndex); err != nil {
		fmt.Printf("failed to reserve master %d: %v\n", *masterIndex, err)
		os.Exit(1)
	}
	for _, entry := range slaves {
		sc, err := m.SlaveConfig(entry.Alias, entry.Position, entry.VendorID, entry.ProductCode)
		if err != nil {
			log.WithField("slave", entry.Name).WithError(err).Warn("[ECMASTER] failed to declare slave config")
			continue
		}
		for _, sdo := range entry.Sdos {
			switch sdo.Size {
			case 1:
				sc.Sdo8(sdo.Index, sdo.Subindex, uint8(sdo.Value))
			case 2:
				sc.Sdo16(sdo.Index, sdo.Subindex, uint16(sdo.Value))
			case 4:
				sc.Sdo32(sdo.Index, sdo.Subindex, uint32(sdo.Value))
			}
		}
	}

	quit := make(chan struct{})
	go backgroundLoop(m, *backgroundPeriod, quit)

	log.WithField("interface", *ifaceName).Info("[ECMASTER] master started")

	realtimeLoop(m, *cyclePeriod)
}

// backgroundLoop steps the cooperative scheduler at backgroundPeriod. Per
// the concurrency model (§5), this must stop once the application has
// called Activate and owns the cyclic Send/Receive pair itself.
func backgroundLoop(m *master.Master, period time.Duration, quit <-chan struct{}) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for {
		select {
		case <-quit:
			return
		case <-ticker.C:
			if m.Phase() == master.PhaseOperation {
				return
			}
			if err := m.Round(); err != nil {
				log.WithError(err).Warn("[ECMASTER] scheduler round failed")
			}
		}
	}
}

// realtimeLoop is a placeholder cyclic caller: once the master is in
// PhaseOperation it calls Receive then Send every period; it processes and
// queues no domains. Applications embedding this master replace this loop
// with their own.
func realtimeLoop(m *master.Master, period time.Duration) {
	ticker := time.NewTicker(period)
	defer ticker.Stop()
	for range ticker.C {
		if m.Phase() != master.PhaseOperation {
			continue
		}
		m.Receive(period)
		if err := m.Send(); err != nil {
			log.WithError(err).Warn("[ECMASTER] send failed")
		}
	}
}
