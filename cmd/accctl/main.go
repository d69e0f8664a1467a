package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"example.com/accgate/internal/common"
	"example.com/accgate/internal/dbc"
	"example.com/accgate/internal/manifest"
	"example.com/accgate/internal/report"
	"example.com/accgate/internal/rules"
)

var (
	version   = "dev"
	buildDate = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		usage()
		return
	}
	cmd := os.Args[1]
	switch cmd {
	case "validate":
		validateCmd(os.Args[2:])
	case "report":
		reportCmd(os.Args[2:])
	case "manifest":
		manifestCmd(os.Args[2:])
	case "catalog":
		catalogCmd(os.Args[2:])
	default:
		usage()
	}
}

func usage() {
	fmt.Printf(`accctl %s (built %s) <command> [options]

Commands:
  validate  --catalog <file.dbc> --in <trace.asc> [--rules <rulepack.json>] --out <violations.ndjson> --acceptance <acceptance.json> [--pdf <acceptance.pdf>] [--stats] [--metrics] [--progress]
  report    --acceptance <acceptance.json> --pdf <acceptance.pdf>
  manifest  --inputs <comma-separated> [--out <manifest.json>] [--verify <manifest.json>]
  catalog   --catalog <file.dbc>
`, version, buildDate)
}

func validateCmd(args []string) {
	fs := flag.NewFlagSet("validate", flag.ExitOnError)
	catalogPath := fs.String("catalog", "", "signal catalog (.dbc)")
	in := fs.String("in", "", "input trace (.asc)")
	rulesPath := fs.String("rules", "", "rulepack.json (default: built-in pack)")
	outViolations := fs.String("out", "violations.ndjson", "violations output")
	outAcc := fs.String("acceptance", "acceptance_report.json", "acceptance json")
	outPDF := fs.String("pdf", "", "acceptance report PDF")
	statsFlag := fs.Bool("stats", false, "print per-signal statistics")
	metricsFlag := fs.Bool("metrics", false, "print trace throughput metrics")
	progressFlag := fs.Bool("progress", false, "display progress updates")
	strict := fs.Bool("strict", false, "exit non-zero when the trace fails the rule battery")
	fs.Parse(args)

	if *catalogPath == "" || *in == "" {
		fmt.Println("required: --catalog, --in")
		os.Exit(1)
	}

	rp := rules.DefaultRulePack()
	if *rulesPath != "" {
		var err error
		rp, err = rules.LoadRulePack(*rulesPath)
		if err != nil {
			fmt.Println("load rulepack:", err)
			os.Exit(1)
		}
	}

	var metrics *common.Metrics
	if *metricsFlag || *progressFlag {
		metrics = common.NewMetrics()
		if info, err := os.Stat(*in); err == nil {
			metrics.SetTotalBytes(info.Size())
		}
		metrics.Start()
	}
	var stopProgress func()
	if metrics != nil && *progressFlag {
		stopProgress = common.StartProgressPrinter(os.Stderr, metrics, 500*time.Millisecond)
	}

	engine := rules.NewEngine(rp)
	ctx := &rules.Context{CatalogFile: *catalogPath, TraceFile: *in, Profile: rp.Profile, Metrics: metrics}
	results, err := engine.Eval(ctx)
	if stopProgress != nil {
		stopProgress()
	}
	if metrics != nil {
		metrics.Stop()
	}
	if err != nil {
		fmt.Println("eval:", err)
		os.Exit(1)
	}

	if err := engine.WriteViolationsFile(*outViolations); err != nil {
		fmt.Println("write violations:", err)
		os.Exit(1)
	}
	rep := engine.MakeAcceptance(ctx)
	if err := report.SaveAcceptanceJSON(rep, *outAcc); err != nil {
		fmt.Println("write report:", err)
		os.Exit(1)
	}
	if *outPDF != "" {
		if err := report.SaveAcceptancePDF(rep, ctx.Set.SignalStats(), *outAcc, *outPDF); err != nil {
			fmt.Println("write pdf:", err)
			os.Exit(1)
		}
	}

	violations := 0
	for _, r := range results {
		violations += len(r.Violations)
	}
	fmt.Printf("PASS=%v, rules=%d, failed=%d, violations=%d, skippedLines=%d\n",
		rep.Summary.Pass, rep.Summary.Total, rep.Summary.Failed, violations, ctx.Skipped)

	if *statsFlag {
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "SIGNAL\tSAMPLES\tMIN\tMAX\tMEAN\tUNIT")
		for _, st := range ctx.Set.SignalStats() {
			fmt.Fprintf(w, "%s\t%d\t%.2f\t%.2f\t%.2f\t%s\n",
				st.Signal, st.Count, st.Min, st.Max, st.Mean, st.Unit)
		}
		w.Flush()
	}
	if metrics != nil && *metricsFlag {
		snap := metrics.Snapshot()
		throughputBps := snap.ThroughputBytesPerSecond()
		mbPerSec := throughputBps / 1_000_000
		fmt.Printf("Metrics: duration=%s frames=%d skipped=%d samples=%d processed=%s throughput=%.2f MB/s\n",
			snap.Duration.Round(10*time.Millisecond),
			snap.Frames,
			snap.Skipped,
			snap.Samples,
			common.FormatBytes(snap.Bytes),
			mbPerSec,
		)
	}
	if *strict && !rep.Summary.Pass {
		os.Exit(3)
	}
}

func reportCmd(args []string) {
	fs := flag.NewFlagSet("report", flag.ExitOnError)
	accPath := fs.String("acceptance", "", "acceptance_report.json")
	pdfPath := fs.String("pdf", "", "output acceptance report PDF")
	fs.Parse(args)

	if *accPath == "" || *pdfPath == "" {
		fmt.Println("required: --acceptance, --pdf")
		os.Exit(1)
	}
	rep, err := report.LoadAcceptanceJSON(*accPath)
	if err != nil {
		fmt.Println("load acceptance:", err)
		os.Exit(1)
	}
	if err := report.SaveAcceptancePDF(rep, nil, *accPath, *pdfPath); err != nil {
		fmt.Println("write pdf:", err)
		os.Exit(1)
	}
	fmt.Println("Wrote PDF:", *pdfPath)
}

func manifestCmd(args []string) {
	fs := flag.NewFlagSet("manifest", flag.ExitOnError)
	inputs := fs.String("inputs", "", "comma-separated paths")
	out := fs.String("out", "manifest.json", "output json")
	verifyPath := fs.String("verify", "", "verify an existing manifest instead of building one")
	fs.Parse(args)

	if *verifyPath != "" {
		m, err := manifest.Load(*verifyPath)
		if err != nil {
			fmt.Println("load manifest:", err)
			os.Exit(1)
		}
		bad := manifest.Verify(m)
		if len(bad) == 0 {
			fmt.Printf("OK: %d item(s) verified\n", len(m.Items))
			return
		}
		for _, p := range bad {
			fmt.Println("MISMATCH:", p)
		}
		os.Exit(1)
	}

	if *inputs == "" {
		fmt.Println("required: --inputs")
		os.Exit(1)
	}
	var paths []string
	for _, p := range strings.Split(*inputs, ",") {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		paths = append(paths, p)
	}
	if len(paths) == 0 {
		fmt.Println("no input paths specified")
		os.Exit(1)
	}
	m, err := manifest.Build(paths)
	if err != nil {
		fmt.Println("manifest build:", err)
		os.Exit(1)
	}
	if err := manifest.Save(m, *out); err != nil {
		fmt.Println("manifest save:", err)
		os.Exit(1)
	}
	fmt.Println("Wrote", *out)
}

func catalogCmd(args []string) {
	fs := flag.NewFlagSet("catalog", flag.ExitOnError)
	catalogPath := fs.String("catalog", "", "signal catalog (.dbc)")
	fs.Parse(args)

	if *catalogPath == "" {
		fmt.Println("required: --catalog")
		os.Exit(1)
	}
	db, err := dbc.LoadFile(*catalogPath)
	if err != nil {
		fmt.Println("load catalog:", err)
		os.Exit(1)
	}
	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tMESSAGE\tLEN\tCYCLE\tSIGNAL\tBITS\tSCALE\tOFFSET\tRANGE\tUNIT")
	for _, msg := range db.Messages() {
		cycle := "-"
		if msg.CycleTime > 0 {
			cycle = msg.CycleTime.String()
		}
		if len(msg.Signals) == 0 {
			fmt.Fprintf(w, "0x%X\t%s\t%d\t%s\t-\t-\t-\t-\t-\t-\n", msg.ID, msg.Name, msg.Length, cycle)
			continue
		}
		for _, sig := range msg.Signals {
			order := "intel"
			if sig.Order == dbc.BigEndian {
				order = "motorola"
			}
			fmt.Fprintf(w, "0x%X\t%s\t%d\t%s\t%s\t%d|%d@%s\t%g\t%g\t[%g, %g]\t%s\n",
				msg.ID, msg.Name, msg.Length, cycle,
				sig.Name, sig.StartBit, sig.Length, order,
				sig.Scale, sig.Offset, sig.Min, sig.Max, sig.Unit)
		}
	}
	w.Flush()
	fmt.Printf("%d message(s)\n", db.Len())
}
