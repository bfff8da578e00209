// dwn-events dumps a tenant's event log from a store target, optionally
// following live appends.
package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"

	dwnstore "github.com/dwn-go/store"
	"github.com/dwn-go/store/pkg/types"
)

func main() {
	target := flag.String("target", "badger://./tmp", "store target URI")
	tenant := flag.String("tenant", "", "tenant DID to read")
	cursor := flag.String("cursor", "", "resume cursor from a previous run")
	limit := flag.Int("limit", 0, "stop after this many events (0 = all)")
	follow := flag.Bool("follow", false, "keep streaming live events after the log is drained")
	flag.Parse()

	if *tenant == "" {
		log.Fatal("missing -tenant")
	}

	store, err := dwnstore.Connect(*target)
	if err != nil {
		log.Fatal(err)
	}
	defer store.Close()
	store.SetLogLevel("warn")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	var sub interface {
		Events() <-chan types.Event
		Close()
	}
	if *follow {
		// subscribe first so nothing appended during the drain is missed
		s, err := store.Stream().Subscribe(ctx, *tenant, types.Filters{})
		if err != nil {
			log.Fatal(err)
		}
		defer s.Close()
		sub = s
	}

	count := 0
	var last uint64
	cur := types.Cursor(*cursor)
	for {
		events, next, err := store.Events().Read(ctx, *tenant, cur, 256)
		if err != nil {
			log.Fatal(err)
		}
		for _, ev := range events {
			printEvent(ev)
			last = ev.Watermark
			count++
			if *limit > 0 && count >= *limit {
				fmt.Printf("cursor: %s\n", next)
				return
			}
		}
		if next != "" {
			cur = next
		}
		if len(events) == 0 {
			break
		}
	}

	if !*follow {
		fmt.Printf("%d events\n", count)
		if cur != "" {
			fmt.Printf("cursor: %s\n", cur)
		}
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-sub.Events():
			if !ok {
				return
			}
			if ev.Watermark <= last { // already printed during the drain
				continue
			}
			printEvent(ev)
		}
	}
}

func printEvent(ev types.Event) {
	fmt.Printf("%8d  %s  %s\n", ev.Watermark, ev.Timestamp.Format("2006-01-02T15:04:05Z"), ev.MessageCid)
}
