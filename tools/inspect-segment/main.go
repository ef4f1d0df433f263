package main

import (
	"flag"
	"fmt"
	"io"
	"log"
	"log/slog"

	"github.com/INLOpen/nexuslog/storage"
)

func main() {
	var path string
	var dump bool
	flag.StringVar(&path, "file", "", "segment file path")
	flag.BoolVar(&dump, "entries", false, "also list live entries")
	flag.Parse()
	if path == "" {
		log.Fatal("provide -file")
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	seg, err := storage.OpenSegment(path, false, logger)
	if err != nil {
		log.Fatalf("open segment failed: %v", err)
	}
	defer seg.Close()

	desc := seg.Descriptor()
	fmt.Printf("descriptor: id=%d version=%d index=%d capacity=%d\n", desc.ID, desc.Version, desc.Index, desc.Capacity)
	fmt.Printf("bounds:     first=%d last=%d\n", seg.FirstIndex(), seg.LastIndex())
	fmt.Printf("counts:     present=%d cleaned=%d\n", seg.Count(), seg.CleanCount())
	fmt.Printf("state:      full=%v compacted=%v\n", seg.IsFull(), seg.IsCompacted())

	if dump {
		err := seg.Scan(func(index uint64, payload []byte) error {
			fmt.Printf("%8d: %d bytes\n", index, len(payload))
			return nil
		})
		if err != nil {
			log.Fatalf("scan failed: %v", err)
		}
	}
}
