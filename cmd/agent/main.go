package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/grandcat/zeroconf"

	"flowgraph/document"
	"flowgraph/oplog"
	"flowgraph/transport"
)

// discoverRelay browses mDNS for a relay on the local network and returns
// its host:port, or an error when none answers in time.
func discoverRelay() (string, error) {
	resolver, err := zeroconf.NewResolver(nil)
	if err != nil {
		return "", fmt.Errorf("mDNS resolver: %w", err)
	}
	entries := make(chan *zeroconf.ServiceEntry)
	found := make(chan string, 1)
	go func(results <-chan *zeroconf.ServiceEntry) {
		for entry := range results {
			if len(entry.AddrIPv4) == 0 {
				continue
			}
			log.Printf("mDNS discovered relay: %s at %s:%d", entry.Instance, entry.AddrIPv4[0], entry.Port)
			select {
			case found <- fmt.Sprintf("%s:%d", entry.AddrIPv4[0], entry.Port):
			default:
			}
		}
	}(entries)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := resolver.Browse(ctx, "_flowgraph._tcp", "local.", entries); err != nil {
		return "", fmt.Errorf("mDNS browse: %w", err)
	}
	select {
	case addr := <-found:
		return addr, nil
	case <-ctx.Done():
		return "", fmt.Errorf("no relay discovered")
	}
}

func openStore(kind, path, docID string) (document.Store, func(), error) {
	switch kind {
	case "mem":
		return document.NewMemStore(docID), func() {}, nil
	case "bolt":
		s, err := document.OpenBoltStore(path, docID)
		if err != nil {
			return nil, nil, err
		}
		return s, func() { s.Close() }, nil
	default:
		return nil, nil, fmt.Errorf("unknown store kind %q", kind)
	}
}

func main() {
	docID := flag.String("document", "demo-doc", "document to open")
	storeKind := flag.String("store", "mem", "document store: mem or bolt")
	storePath := flag.String("store-path", "flowgraph.db", "bolt store path")
	flag.Parse()

	actorID := uuid.NewString()
	log.Printf("flowgraph agent starting as actor %s", actorID)

	relayAddr := os.Getenv("RELAY_ADDR")
	if relayAddr == "" {
		addr, err := discoverRelay()
		if err != nil {
			log.Printf("discovery failed (%v), falling back to localhost:8081", err)
			addr = "localhost:8081"
		}
		relayAddr = addr
	}

	store, closeStore, err := openStore(*storeKind, *storePath, *docID)
	if err != nil {
		log.Fatalf("Failed to open store: %v", err)
	}
	defer closeStore()

	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))
	tr, err := transport.DialWS(relayAddr, *docID, actorID, logger)
	if err != nil {
		log.Fatalf("Failed to connect to relay at %s: %v", relayAddr, err)
	}
	defer tr.Close()
	log.Printf("Connected to relay at %s", relayAddr)

	session, err := oplog.OpenSession(oplog.SessionConfig{
		DocumentID: *docID,
		ActorID:    actorID,
		Store:      store,
		Transport:  tr,
		Queue: oplog.QueueConfig{
			OnTerminalFailure: func(qo oplog.QueuedOperation) {
				log.Printf("operation %s (%s) failed terminally", qo.ID, qo.Operation.Kind)
			},
		},
		Logger: logger,
	})
	if err != nil {
		log.Fatalf("Failed to open session: %v", err)
	}
	defer session.Close()

	// Scripted editing session: build a tiny graph, then walk the history
	// back and forward.
	rec := session.Recorder()
	b1 := document.Block{ID: uuid.NewString(), Kind: "agent", Name: "start", Position: document.Position{X: 0, Y: 0}}
	b2 := document.Block{ID: uuid.NewString(), Kind: "condition", Name: "check", Position: document.Position{X: 200, Y: 0}}
	must(rec.RecordAddBlock(b1))
	must(rec.RecordAddBlock(b2))
	must(rec.RecordAddEdge(document.Edge{ID: uuid.NewString(), Source: b1.ID, Target: b2.ID}))
	must(rec.RecordMoveBlock(b2.ID, b2.Position, document.Position{X: 220, Y: 40}))

	sizes := session.StackSizes()
	log.Printf("history after edits: undo=%d redo=%d pending=%d", sizes.UndoSize, sizes.RedoSize, session.PendingOperations())

	session.Undo()
	session.Undo()
	sizes = session.StackSizes()
	log.Printf("after two undos: undo=%d redo=%d blocks=%d edges=%d",
		sizes.UndoSize, sizes.RedoSize, len(store.Blocks()), len(store.Edges()))

	session.Redo()
	sizes = session.StackSizes()
	log.Printf("after redo: undo=%d redo=%d blocks=%d edges=%d",
		sizes.UndoSize, sizes.RedoSize, len(store.Blocks()), len(store.Edges()))

	// Stay online for a while to receive remote edits.
	log.Println("agent idling for remote operations; Ctrl-C to exit")
	time.Sleep(5 * time.Minute)
}

func must(err error) {
	if err != nil {
		log.Fatalf("record failed: %v", err)
	}
}
