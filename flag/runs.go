package flag

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"os"

	"github.com/alecthomas/kong"
	"github.com/pkg/profile"

	"github.com/nmi/gosvm/state"
	"github.com/nmi/gosvm/svm"
	"github.com/nmi/gosvm/trace"
	"github.com/nmi/gosvm/vmcb"
)

// CLI is the command tree of the gosvm tool.
type CLI struct {
	CPUProfile string `help:"Write a CPU profile into this directory." type:"existingdir" optional:""`

	Inspect InspectCMD `cmd:"" help:"Validate and summarize a saved machine stream."`
	Trace   TraceCMD   `cmd:"" help:"Decode a binary trace stream."`
	Stub    StubCMD    `cmd:"" help:"Emit a hypercall trampoline page."`
}

func Parse() error {
	c := CLI{}

	programName := "gosvm"
	programDesc := "gosvm inspects and prepares hardware-virtualized machine state"

	ctx := kong.Parse(&c,
		kong.Name(programName),
		kong.Description(programDesc),
		kong.UsageOnError(),
		kong.ConfigureHelp(kong.HelpOptions{
			Compact: true,
			Summary: true,
		}))

	if c.CPUProfile != "" {
		defer profile.Start(profile.ProfilePath(c.CPUProfile)).Stop()
	}

	return ctx.Run()
}

// InspectCMD decodes a saved machine stream, validating every CPU
// record the way a restore would.
type InspectCMD struct {
	Path string `arg:"" help:"Saved state file." type:"existingfile"`
}

func (c *InspectCMD) Run() error {
	f, err := os.Open(c.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	recv := state.NewReceiver(f)
	ncpus := 0

	for {
		t, payload, err := recv.Next()
		if errors.Is(err, io.EOF) {
			return fmt.Errorf("stream ended without a done marker")
		}

		if err != nil {
			return err
		}

		switch t {
		case state.MsgCPU:
			cpu, err := state.DecodeCPU(payload)
			if err != nil {
				return fmt.Errorf("cpu %d: %w", ncpus, err)
			}

			printCPU(ncpus, cpu)
			ncpus++

		case state.MsgDone:
			log.Printf("%d cpu record(s), all valid", ncpus)

			return nil

		default:
			return fmt.Errorf("unexpected message type %d", t)
		}
	}
}

func printCPU(n int, cpu *state.CPU) {
	fmt.Printf("cpu %d: cr0=%#x cr3=%#x cr4=%#x efer=%#x tsc=%d\n",
		n, cpu.CR0, cpu.CR3, cpu.CR4, cpu.EFER, cpu.TSC)

	if cpu.PendingEvent != 0 {
		fmt.Printf("cpu %d: pending event %#x error code %#x\n",
			n, cpu.PendingEvent, cpu.PendingErrorCode)
	}
}

// TraceCMD decodes a binary trace stream and prints it, or just the
// per-kind totals.
type TraceCMD struct {
	Path   string `arg:"" help:"Trace stream file." type:"existingfile"`
	Totals bool   `help:"Print only the per-kind totals as JSON."`
}

func (c *TraceCMD) Run() error {
	f, err := os.Open(c.Path)
	if err != nil {
		return err
	}
	defer f.Close()

	events, err := trace.ReadStream(f)
	if err != nil {
		return err
	}

	if !c.Totals {
		for _, ev := range events {
			fmt.Printf("%-16s %#18x %#18x\n", ev.Kind, ev.A, ev.B)
		}

		return nil
	}

	out, err := json.MarshalIndent(tally(events), "", "  ")
	if err != nil {
		return err
	}

	fmt.Println(string(out))

	return nil
}

func tally(events []trace.Event) trace.Counts {
	var c trace.Counts

	for _, ev := range events {
		switch ev.Kind {
		case trace.KindExit:
			c.Exits++
		case trace.KindAsync:
			c.Async++
		case trace.KindPageFault:
			c.PageFaults++
		case trace.KindPageFaultFixed:
			c.FixedFaults++
		case trace.KindNestedFault:
			c.NestedFaults++
		case trace.KindMMIO:
			c.MMIO++
		case trace.KindInject:
			c.Injects++
		case trace.KindHalt:
			c.Halts++
		case trace.KindMigration:
			c.Migrations++
		case trace.KindCrash:
			c.Crashes++
		}
	}

	return c
}

// StubCMD writes the hypercall trampoline page a guest kernel maps.
type StubCMD struct {
	Out  string `arg:"" help:"Output file."`
	Size string `help:"Page size: as number[gGmMkK]." default:"4K"`
}

func (c *StubCMD) Run() error {
	size, err := ParseSize(c.Size, "")
	if err != nil {
		return err
	}

	if size < vmcb.PageSize || size%vmcb.PageSize != 0 {
		return fmt.Errorf("page size %d is not a multiple of %d", size, vmcb.PageSize)
	}

	page := make([]byte, size)
	svm.InitHypercallPage(page)

	return os.WriteFile(c.Out, page, 0o644)
}
