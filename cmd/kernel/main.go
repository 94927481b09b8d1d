// Command kernel is the boot entry point. It cannot run as a hosted Go
// binary — _start expects to be invoked by firmware with paging already
// live and no host OS beneath it — so main here only reports that fact.
// Boot documents and exercises the real wiring order (§2): physical
// memory, paging, ACPI, APIC, scheduler, PCI/USB enumeration, returning
// an error instead of exiting, so integration tests can drive it directly.
package main

import (
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/tinyrange/corekernel/internal/acpi"
	"github.com/tinyrange/corekernel/internal/apic"
	"github.com/tinyrange/corekernel/internal/bootinfo"
	"github.com/tinyrange/corekernel/internal/extern"
	"github.com/tinyrange/corekernel/internal/mm"
	"github.com/tinyrange/corekernel/internal/pci"
	"github.com/tinyrange/corekernel/internal/sched"
	"github.com/tinyrange/corekernel/internal/usb"
)

func main() {
	fmt.Fprintln(os.Stderr, "kernel: this binary is the boot-wiring reference, not a hosted program; run its tests instead")
	os.Exit(1)
}

// BootDependencies bundles every hardware collaborator Boot needs to reach
// outside this repository. Each is optional: a nil collaborator causes
// Boot to skip the stage it backs rather than fail, so tests can exercise
// one subsystem at a time.
type BootDependencies struct {
	RAMBytes uint64
	Reserved uint64

	ACPIReader acpi.PhysReader
	ACPIConfig acpi.Config

	BSP           apic.BSPConfig
	Trampoline    apic.Trampoline
	APAPICIDs     []uint8
	SchedClock    sched.TimeSource
	StatsInterval time.Duration

	PCIAccess extern.PCIConfigAccess

	USBRootHC      usb.HostController
	USBRootPorts   int
	USBPowerOnWait time.Duration
	USBStatusEP    usb.Endpoint

	Windows extern.WindowSystem
	Files   extern.FileManager

	// Log receives one line per bring-up stage; nil disables logging.
	Log *slog.Logger
}

// Kernel is the assembled set of live subsystems after a successful Boot.
type Kernel struct {
	Frames       *mm.FrameAllocator
	Arena        *mm.RAMArena
	AddressSpace *mm.AddressSpace

	ACPITables *acpi.Tables

	APIC        *apic.Controller
	LAPIC       *apic.LAPIC
	TLB         *apic.TLBInvalidator
	Rescheduler *apic.Rescheduler

	Scheduler *sched.Scheduler

	PCIDevices []pci.Function

	USBTree    *usb.Tree
	USBRootHub *usb.Hub
}

// Boot runs the subsystem bring-up sequence in dependency order (§2): the
// physical frame allocator and an address space, then ACPI table
// consumption, then the APIC (local + IOAPICs + AP bring-up), then the
// scheduler and its services, then PCI and USB enumeration. Each stage's
// collaborators come from deps; a zero-value collaborator skips that
// stage.
func Boot(info *bootinfo.BootInfo, deps BootDependencies) (*Kernel, error) {
	log := deps.Log
	if log == nil {
		log = slog.New(slog.DiscardHandler)
	}
	k := &Kernel{}

	arena, err := mm.NewRAMArena(0, deps.RAMBytes)
	if err != nil {
		return nil, fmt.Errorf("kernel: boot: ram arena: %w", err)
	}
	k.Arena = arena
	k.Frames = mm.NewFrameAllocator(arena, deps.Reserved)
	log.Info("ram arena ready", "bytes", deps.RAMBytes, "reserved", deps.Reserved)

	as, err := mm.NewAddressSpace(k.Frames)
	if err != nil {
		return nil, fmt.Errorf("kernel: boot: address space: %w", err)
	}
	k.AddressSpace = as

	if deps.ACPIReader != nil {
		tables, err := acpi.Parse(deps.ACPIReader, info.ACPIRootPointer)
		if err != nil {
			return nil, fmt.Errorf("kernel: boot: acpi parse: %w", err)
		}
		if err := deps.ACPIConfig.Validate(tables); err != nil {
			return nil, fmt.Errorf("kernel: boot: acpi validate: %w", err)
		}
		k.ACPITables = tables
		log.Info("acpi tables parsed", "local_apics", len(tables.MADT.LocalAPICs), "ioapics", len(tables.MADT.IOAPICs))

		controller, lapic, tlb, resched := apic.BSPInit(deps.BSP, tables)
		k.APIC = controller
		k.LAPIC = lapic
		k.TLB = tlb
		k.Rescheduler = resched
		log.Info("bsp apic initialized", "lapic_id", lapic.ID())

		startedAPs := 0
		if !info.HasFlag(bootinfo.FlagNoSMP) && deps.Trampoline != nil && len(deps.APAPICIDs) > 0 {
			flags := apic.NewAPBootFlags()
			if err := apic.StartAllAPs(lapic, deps.Trampoline, flags, deps.APAPICIDs); err != nil {
				return nil, fmt.Errorf("kernel: boot: ap bring-up: %w", err)
			}
			startedAPs = len(deps.APAPICIDs)
			log.Info("aps started", "count", startedAPs)
		}

		// §4.1 TLB discipline: "Cross-CPU invalidations are performed via
		// broadcast_invalidate_tlb." Every PTE write on this address space
		// must fan out to the other booted CPUs. The awaiting bitmap holds
		// one bit per started AP, in start order, from bit 1 up; bit 0 (the
		// BSP, which issues the shootdown) stays clear. There is no richer
		// APIC-ID-to-index table to consult here.
		awaiting := uint64(0)
		for i := 0; i < startedAPs; i++ {
			awaiting |= uint64(1) << uint(i+1)
		}
		k.AddressSpace.OnInvalidate(func(va uint64) {
			if err := k.TLB.Broadcast(awaiting); err != nil {
				log.Info("tlb shootdown failed", "err", err)
			}
		})
	}

	if deps.SchedClock != nil {
		k.Scheduler = sched.NewScheduler(deps.SchedClock)
		interval := deps.StatsInterval
		if interval <= 0 {
			interval = 100 * time.Millisecond
		}
		k.Scheduler.StartServices(interval)
		if k.Rescheduler != nil {
			k.Scheduler.SetRebalance(k.Rescheduler.BroadcastReschedule)
		}
		log.Info("scheduler services started", "stats_interval", interval)
	}

	var pciDevices []pci.Function
	var pciErr error
	var usbTree *usb.Tree
	var usbHub *usb.Hub
	var usbErr error

	enumerate := func() {
		if deps.PCIAccess != nil {
			pciDevices, pciErr = pci.Enumerate(deps.PCIAccess)
		}
		if deps.USBRootHC != nil {
			usbTree, usbHub, usbErr = bringUpUSBRootHub(deps)
		}
	}

	if deps.PCIAccess != nil || deps.USBRootHC != nil {
		if k.Scheduler != nil {
			// §2: "PCI and USB enumeration run as normal kernel tasks" —
			// spawn the dedicated kernel thread, enqueue both as async
			// tasks on its executor, drain it, then exit the thread
			// (§4.3 perform_tasks).
			task := k.Scheduler.Pool.Create("enumeration", sched.PriorityNormal)
			executor := task.GetExecutor()
			executor.Spawn(enumerate)
			executor.PerformTasks()
			task.MarkExited()
			log.Info("enumeration kernel task drained", "thread", task.Handle)
		} else {
			enumerate()
		}
	}

	if pciErr != nil {
		return nil, fmt.Errorf("kernel: boot: pci enumerate: %w", pciErr)
	}
	if deps.PCIAccess != nil {
		k.PCIDevices = pciDevices
		log.Info("pci enumeration complete", "functions", len(pciDevices))
	}

	if usbErr != nil {
		return nil, fmt.Errorf("kernel: boot: usb root hub: %w", usbErr)
	}
	if deps.USBRootHC != nil {
		k.USBTree = usbTree
		k.USBRootHub = usbHub
		log.Info("usb root hub started", "ports", deps.USBRootPorts)
	}

	return k, nil
}

// bringUpUSBRootHub enrolls the root hub device and runs its startup power-on
// sweep (§4.4). Split out of Boot so it can run either inline or as an async
// task on the enumeration kernel thread's executor.
func bringUpUSBRootHub(deps BootDependencies) (*usb.Tree, *usb.Hub, error) {
	tree := usb.NewTree()
	root, err := tree.Enroll(usb.AddressDefault, usb.RouteString{}, usb.SpeedHigh)
	if err != nil {
		return nil, nil, fmt.Errorf("usb root enroll: %w", err)
	}
	hub := usb.NewHub(deps.USBRootHC, tree, root.Addr, usb.RouteString{}, usb.HubDescriptor{
		NumPorts:           deps.USBRootPorts,
		PowerOnToPowerGood: deps.USBPowerOnWait,
	}, deps.USBStatusEP, nil)
	if err := hub.Startup(); err != nil {
		return nil, nil, fmt.Errorf("usb root hub startup: %w", err)
	}
	return tree, hub, nil
}
