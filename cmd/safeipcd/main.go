// Command safeipcd is a demonstration daemon wiring a stream
// Connection pair and a slot router Server/Client together over
// in-process shared memory, the way the original feeder's main wired
// exchange adapters to a shared matrix.
package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/autocore-ipc/safeipc/acceptor"
	"github.com/autocore-ipc/safeipc/bootstrap"
	"github.com/autocore-ipc/safeipc/config"
	"github.com/autocore-ipc/safeipc/conn"
	"github.com/autocore-ipc/safeipc/internal/logx"
	"github.com/autocore-ipc/safeipc/notify"
	"github.com/autocore-ipc/safeipc/reactor"
	"github.com/autocore-ipc/safeipc/ring"
	"github.com/autocore-ipc/safeipc/router"
	"github.com/autocore-ipc/safeipc/shm"
	"github.com/autocore-ipc/safeipc/slot"
	"github.com/autocore-ipc/safeipc/squeue"
)

var log = logx.New("safeipcd")

func main() {
	log.Println("starting")

	config.LoadDotEnv(".env")

	cfgPath := "config.toml"
	if p := os.Getenv("SAFEIPC_CONFIG"); p != "" {
		cfgPath = p
	}
	backlogDepth := 1
	classBudgets := map[router.ClassHandle]int{"default": 4}
	if cfg, err := config.Load(cfgPath); err == nil {
		backlogDepth = cfg.Acceptor.BacklogDepth
		classBudgets = make(map[router.ClassHandle]int, len(cfg.Classes))
		for name, c := range cfg.Classes {
			classBudgets[router.ClassHandle(name)] = c.Budget
		}
	} else {
		log.Printf("no config at %s, using defaults: %v", cfgPath, err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	loop := reactor.NewLoop()
	defer loop.Close()

	alloc := shm.NewMemoryAllocator()
	ringSize := config.DefaultShmSize()

	fwd, err := alloc.Create("safeipc-demo-fwd", ringSize)
	if err != nil {
		log.Fatalf("shm create: %v", err)
	}
	bwd, err := alloc.Create("safeipc-demo-bwd", ringSize)
	if err != nil {
		log.Fatalf("shm create: %v", err)
	}
	log.Printf("shared rings: %s %s", fwd.Handle(), bwd.Handle())

	oobA, oobB := notify.NewLocalPair()
	clientAddr := conn.Address{Domain: 1, Port: 1}
	serverAddr := conn.Address{Domain: 1, Port: 2}

	// In a real deployment these HandshakeMessages would cross the
	// bootstrap.Dial/Listen Unix socket; here both sides' values are
	// constructed directly since this demo runs in one process.
	serverCap := uint64(ringSize)
	clientHandshake := bootstrap.HandshakeMessage{
		Version: conn.ProtocolVersion,
		Local:   clientAddr, Peer: serverAddr,
		C2SHint: uint64(ringSize), S2CHint: uint64(ringSize),
		Identity: conn.PeerIdentity{ProcessID: uint32(os.Getpid())},
	}
	serverHandshake := bootstrap.HandshakeMessage{
		Version: conn.ProtocolVersion,
		Local:   serverAddr, Peer: clientAddr,
		C2SHint: uint64(ringSize), S2CHint: uint64(ringSize),
		Identity: conn.PeerIdentity{ProcessID: uint32(os.Getpid())},
	}

	client := conn.New(clientAddr, serverAddr, loop, oobA, ring.New(fwd.Bytes()), ring.New(bwd.Bytes()), false, 0)
	server := conn.New(serverAddr, clientAddr, loop, oobB, ring.New(bwd.Bytes()), ring.New(fwd.Bytes()), true, serverCap)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		client.ConnectAsync(clientHandshake.Identity, serverHandshake.Version, clientHandshake.C2SHint, serverHandshake.S2CHint, func(err error) {
			if err != nil {
				log.Printf("client connect: %v", err)
				return
			}
			log.Println("client connected")
		})
	}()
	go func() {
		defer wg.Done()
		server.ConnectAsync(serverHandshake.Identity, clientHandshake.Version, clientHandshake.C2SHint, serverHandshake.S2CHint, func(err error) {
			if err != nil {
				log.Printf("server connect: %v", err)
				return
			}
			log.Println("server connected")
		})
	}()
	wg.Wait()

	acc, err := acceptor.Init(loop, backlogDepth, serverCap)
	if err != nil {
		log.Fatalf("acceptor init: %v", err)
	}
	defer acc.Close()
	log.Printf("acceptor backlog depth %d, classes %v", backlogDepth, classBudgets)

	const numSlots = 8
	const slotSize = 256
	region := make([]byte, numSlots*slotSize)
	serverSlots := slot.New(region, numSlots, slotSize, true)
	clientSlots := slot.New(region, numSlots, slotSize, false)
	for i := 0; i < numSlots; i++ {
		serverSlots.AddSlot()
		clientSlots.AddSlot()
	}

	srv := router.NewServer(serverSlots, 4, classBudgets)
	freeQ, availQ := squeue.New(numSlots), squeue.New(numSlots)
	if _, ok := srv.RegisterReceiver("default", freeQ, availQ); !ok {
		log.Fatalf("router: no room to register the demo receiver")
	}
	_ = router.NewClient(clientSlots, freeQ, availQ)

	<-ctx.Done()
	log.Println("shutting down")
	client.Close()
	server.Close()
	log.Println("stopped")
}
