// Package cmds implements the command line interface of the minidump tool.
package cmds

import (
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/mattn/go-colorable"
	"github.com/mattn/go-isatty"
	"github.com/spf13/cobra"

	"github.com/go-minidump/minidump/pkg/config"
	"github.com/go-minidump/minidump/pkg/format"
	"github.com/go-minidump/minidump/pkg/logflags"
	"github.com/go-minidump/minidump/pkg/minidump"
	"github.com/go-minidump/minidump/pkg/minidump/reader"
	"github.com/go-minidump/minidump/pkg/proc"
	"github.com/go-minidump/minidump/pkg/proc/native"
	"github.com/go-minidump/minidump/pkg/version"
)

var (
	// log is whether to log debug statements.
	log bool
	// logOutput is a comma separated list of components that should produce debug output.
	logOutput string
	// logDest is the file path or file descriptor where logs should go.
	logDest string

	// outPath is where the dump is written.
	outPath string
	// compress gzips the dump file.
	compress bool
	// streams restricts the dump to the named streams.
	streams []string
	// stackWindow bounds the bytes of stack captured per thread.
	stackWindow int
	// faultWindow is the size of the window captured around the fault address.
	faultWindow int
	// bufferLimit caps the total dump size.
	bufferLimit int
	// sanitize erases non-pointer data from captured stacks.
	sanitize bool

	conf *config.Config
)

const minidumpLongDesc = `Minidump captures the state of a running process into a minidump file.

The dump contains the process's threads with their register state and stacks,
its loaded modules, memory around the faulting address and host facts, in the
format consumed by breakpad, crashpad and windbg style tooling.`

// New returns an initialized command tree.
func New() *cobra.Command {
	conf = config.LoadConfig()

	rootCommand := &cobra.Command{
		Use:   "minidump",
		Short: "Minidump captures crash dumps of running processes.",
		Long:  minidumpLongDesc,
	}

	rootCommand.PersistentFlags().BoolVarP(&log, "log", "", false, "Enable logging.")
	rootCommand.PersistentFlags().StringVarP(&logOutput, "log-output", "", "", "Comma separated list of components that should produce debug output (writer, accessor, reader).")
	rootCommand.PersistentFlags().StringVarP(&logDest, "log-dest", "", "", "Writes logs to the specified file (file:<path>).")

	dumpCommand := &cobra.Command{
		Use:   "dump <pid>",
		Short: "Capture a dump of the process with the given pid.",
		Long: `Capture a dump of the process with the given pid.

Every thread of the target is stopped while the dump is taken and resumed
afterwards. Requires the same privileges as attaching a debugger.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			pid, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid pid %q", args[0])
			}
			return dumpCmd(pid)
		},
	}
	addDumpFlags(dumpCommand)
	rootCommand.AddCommand(dumpCommand)

	selfCommand := &cobra.Command{
		Use:   "self",
		Short: "Capture a dump of the minidump process itself.",
		Long: `Capture a dump of the minidump process itself.

Exercises the same accessor a crash handler embedded in an application would
use, which reads the process without stopping it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return selfCmd()
		},
	}
	addDumpFlags(selfCommand)
	rootCommand.AddCommand(selfCommand)

	inspectCommand := &cobra.Command{
		Use:   "inspect <file>",
		Short: "Print a summary of a minidump file.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return inspectCmd(args[0])
		},
	}
	rootCommand.AddCommand(inspectCommand)

	versionCommand := &cobra.Command{
		Use:   "version",
		Short: "Prints version.",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("minidump\n%s\n%s\n", version.MinidumpVersion, version.BuildInfo())
		},
	}
	rootCommand.AddCommand(versionCommand)

	rootCommand.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		if isatty.IsTerminal(os.Stderr.Fd()) {
			logflags.SetOutput(colorable.NewColorableStderr())
		}
		return logflags.Setup(log, logOutput, logDest)
	}
	rootCommand.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		logflags.Close()
	}

	return rootCommand
}

func addDumpFlags(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&outPath, "out", "o", "", "Output file (default minidump.<pid>.dmp).")
	cmd.Flags().BoolVar(&compress, "compress", conf.Compress, "Gzip the dump file.")
	cmd.Flags().StringSliceVar(&streams, "streams", conf.Streams, "Restrict the dump to the named streams.")
	cmd.Flags().IntVar(&stackWindow, "stack-window", confInt(conf.StackWindow), "Maximum bytes of stack captured per thread.")
	cmd.Flags().IntVar(&faultWindow, "fault-window", confInt(conf.FaultWindow), "Bytes captured around the faulting address.")
	cmd.Flags().IntVar(&bufferLimit, "limit", conf.BufferLimit, "Cap on the total dump size in bytes, 0 means unlimited.")
	cmd.Flags().BoolVar(&sanitize, "sanitize", conf.SanitizeStacks, "Erase non-pointer data from captured stacks.")
}

func confInt(v *int) int {
	if v == nil {
		return 0
	}
	return *v
}

func dumpCmd(pid int) error {
	acc, err := native.Attach(pid)
	if err != nil {
		return err
	}
	return writeDump(acc, nil, pid)
}

func selfCmd() error {
	acc, err := native.Self()
	if err != nil {
		return err
	}
	return writeDump(acc, nil, os.Getpid())
}

func writeDump(acc proc.Accessor, cctx *proc.CrashContext, pid int) error {
	opts := minidump.Options{
		StackWindow:    stackWindow,
		FaultWindow:    faultWindow,
		SanitizeStacks: sanitize,
		BufferLimit:    bufferLimit,
	}
	if len(streams) > 0 {
		sel, err := parseStreams(streams)
		if err != nil {
			return err
		}
		opts.Streams = sel
	}

	res, err := minidump.Dump(acc, cctx, opts)
	if err != nil {
		return err
	}
	for _, om := range res.Omitted {
		fmt.Fprintf(os.Stderr, "warning: %s omitted: %v\n", om.Type, om.Reason)
	}
	if res.Truncated {
		fmt.Fprintln(os.Stderr, "warning: dump truncated by the buffer limit")
	}

	path := outPath
	if path == "" {
		path = fmt.Sprintf("minidump.%d.dmp", pid)
		if compress {
			path += ".gz"
		}
	}
	if err := res.WriteFile(path, compress); err != nil {
		return err
	}
	fmt.Printf("wrote %s (%d bytes, %d streams)\n", path, len(res.Bytes), len(res.Directory))
	return nil
}

func parseStreams(names []string) ([]format.StreamType, error) {
	byName := map[string]format.StreamType{}
	for _, st := range minidump.DefaultStreams {
		byName[st.String()] = st
	}
	var sel []format.StreamType
	for _, name := range names {
		st, ok := byName[name]
		if !ok {
			return nil, fmt.Errorf("unknown stream %q", name)
		}
		sel = append(sel, st)
	}
	if len(sel) == 0 {
		return nil, errors.New("empty stream selection")
	}
	return sel, nil
}

func inspectCmd(path string) error {
	mdmp, err := reader.Open(path)
	if err != nil {
		return err
	}

	fmt.Printf("timestamp: %d\n", mdmp.Timestamp)
	fmt.Printf("streams:   %d\n", len(mdmp.Streams))
	for _, stream := range mdmp.Streams {
		fmt.Printf("  %-22s %7d bytes\n", stream.Type, len(stream.RawData))
	}
	if si := mdmp.SystemInfo; si != nil {
		fmt.Printf("system:    %s %s %d.%d.%d (%s), %d cpus\n",
			si.Arch, platformName(si.Platform),
			si.MajorVersion, si.MinorVersion, si.BuildNumber,
			si.OSBuild, si.NumberOfProcessors)
	}
	if mdmp.Pid != 0 {
		fmt.Printf("pid:       %d\n", mdmp.Pid)
	}
	if exc := mdmp.Exception; exc != nil {
		fmt.Printf("exception: code %#x at %#x on thread %d\n", exc.Code, exc.Address, exc.ThreadID)
	}
	fmt.Printf("threads:   %d\n", len(mdmp.Threads))
	for i := range mdmp.Threads {
		th := &mdmp.Threads[i]
		name := mdmp.ThreadNames[th.ID]
		fmt.Printf("  %6d  stack %#x+%#x  %s\n", th.ID, th.StackStart, len(th.StackData), name)
	}
	fmt.Printf("modules:   %d\n", len(mdmp.Modules))
	for i := range mdmp.Modules {
		mod := &mdmp.Modules[i]
		fmt.Printf("  %#012x+%#x %s\n", mod.BaseOfImage, mod.SizeOfImage, mod.Name)
	}
	fmt.Printf("memory:    %d ranges\n", len(mdmp.Memory))
	return nil
}

func platformName(p format.PlatformID) string {
	switch p {
	case format.PlatformWindows:
		return "windows"
	case format.PlatformMacOS:
		return "macos"
	case format.PlatformIOS:
		return "ios"
	case format.PlatformLinux:
		return "linux"
	case format.PlatformAndroid:
		return "android"
	}
	return fmt.Sprintf("platform(%#x)", uint32(p))
}
