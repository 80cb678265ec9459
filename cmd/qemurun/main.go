// Command qemurun boots a disk image under QEMU+OVMF for local development:
// it renders a boot profile into a qemu-system-x86_64 invocation, relays the
// guest's serial console to the host terminal, and restores the terminal on
// exit regardless of how the guest session ended.
package main

import (
	"flag"
	"fmt"
	"os"
	"os/exec"
	"os/signal"

	"github.com/charmbracelet/colorprofile"
	"github.com/charmbracelet/x/ansi"
	"golang.org/x/term"

	"github.com/kestrelos/kestrel/internal/qemuprofile"
)

func main() {
	profilePath := flag.String("profile", "", "path to a qemuprofile YAML file (required)")
	qemuBin := flag.String("qemu", "qemu-system-x86_64", "qemu binary to exec")
	flag.Parse()

	if *profilePath == "" {
		fmt.Fprintln(os.Stderr, "qemurun: -profile is required")
		flag.Usage()
		os.Exit(2)
	}

	if err := run(*profilePath, *qemuBin); err != nil {
		fmt.Fprintf(os.Stderr, "qemurun: %v\n", err)
		os.Exit(1)
	}
}

func run(profilePath, qemuBin string) error {
	profile, err := qemuprofile.Load(profilePath)
	if err != nil {
		return err
	}

	banner(profile)

	cmd := exec.Command(qemuBin, profile.QEMUArgs()...)
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr

	restore, err := enterRawMode()
	if err != nil {
		fmt.Fprintln(os.Stderr, "qemurun: warning: could not enter raw mode:", err)
	} else {
		defer restore()
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt)
	defer signal.Stop(sigCh)
	go func() {
		if _, ok := <-sigCh; ok {
			_ = cmd.Process.Signal(os.Interrupt)
		}
	}()

	return cmd.Run()
}

// enterRawMode puts stdin into raw mode so keystrokes (including the guest's
// own Ctrl-C) pass straight through to QEMU's serial console instead of
// being line-buffered or interpreted by the host tty, returning a func that
// restores the prior terminal state.
func enterRawMode() (func(), error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return func() {}, nil
	}
	prev, err := term.MakeRaw(fd)
	if err != nil {
		return nil, err
	}
	return func() { _ = term.Restore(fd, prev) }, nil
}

// banner prints a short status line before handing the terminal to QEMU.
// It writes through a colorprofile.Writer, which downgrades the raw SGR
// escape to whatever the host terminal actually supports (or strips it
// entirely when output isn't a TTY), so the profile summary and disk path
// (sanitized with ansi.Strip in case a volume label ever carries escape
// bytes) never corrupt a redirected log.
func banner(p qemuprofile.Profile) {
	w := colorprofile.NewWriter(os.Stdout, os.Environ())
	disk := ansi.Strip(p.DiskImage)
	msg := fmt.Sprintf("booting %s (%dM RAM, %d CPU)", disk, p.MemoryMiB, p.CPUCount)
	fmt.Fprintf(w, "\x1b[96m%s\x1b[0m\n", msg)
	fmt.Fprintln(w, "press Ctrl-C once to stop the guest")
}
