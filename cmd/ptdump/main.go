// ptdump lists the packets of a raw Intel PT trace file.
package main

import (
	"flag"
	"fmt"
	"os"

	"github.com/golang/glog"

	"intelpt/packet"
	"intelpt/pt"
)

func main() {
	ptFile := flag.String("pt", "", "Path to the raw Intel PT trace file")
	noOffset := flag.Bool("no-offset", false, "Do not print the packet offset")
	flag.Parse()

	if *ptFile == "" {
		fmt.Println("ptdump: Error: Missing trace file on -pt option")
		os.Exit(1)
	}

	if err := run(*ptFile, *noOffset); err != nil {
		fmt.Printf("Error: %v\n", err)
		os.Exit(1)
	}
}

func run(ptFile string, noOffset bool) error {
	buffer, err := os.ReadFile(ptFile)
	if err != nil {
		return fmt.Errorf("read trace: %w", err)
	}

	config := pt.Config{Buffer: buffer}

	decoder, err := packet.NewDecoder(&config)
	if err != nil {
		return fmt.Errorf("create decoder: %w", err)
	}

	for {
		if err := decoder.SyncForward(); err != nil {
			if err == pt.ErrEOS {
				return nil
			}
			return fmt.Errorf("sync: %w", err)
		}

		offset, _ := decoder.SyncOffset()
		glog.V(1).Infof("synchronized at offset 0x%x", offset)

		if err := dumpSync(decoder, noOffset); err != nil {
			return err
		}
	}
}

// dumpSync lists packets from the current sync point until the stream ends
// or the decoder loses the packet stream.
func dumpSync(decoder *packet.Decoder, noOffset bool) error {
	for {
		offset, err := decoder.Offset()
		if err != nil {
			return err
		}

		pkt, err := decoder.Next()
		if err != nil {
			if err == pt.ErrEOS {
				return nil
			}

			// Skip to the next sync point on decode errors.
			glog.Warningf("offset 0x%x: %v", offset, err)
			return nil
		}

		if noOffset {
			fmt.Println(pkt.Description())
		} else {
			fmt.Printf("%08x  %s\n", offset, pkt.Description())
		}
	}
}
