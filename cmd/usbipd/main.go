/* usbipd - USB/IP server
 *
 * The main function
 */

package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/usbipd-go/usbipd/internal/config"
	"github.com/usbipd-go/usbipd/internal/ctrlsock"
	"github.com/usbipd-go/usbipd/internal/daemon"
	"github.com/usbipd-go/usbipd/internal/dnssd"
	"github.com/usbipd-go/usbipd/internal/hostusb"
	"github.com/usbipd-go/usbipd/internal/registry"
	"github.com/usbipd-go/usbipd/internal/server"
	"github.com/usbipd-go/usbipd/internal/usbiplog"
)

const usageText = `Usage:
    %s mode [options]

Modes are:
    standalone  - run forever, exporting every attached USB device
                  allowed by the configuration
    debug       - logs duplicated on console, -bg option is ignored
    check       - check configuration and exit
    status      - print usbipd status and exit

Options are
    -bg         - run in background (ignored in debug mode)
`

// RunMode selects what main does once arguments and configuration have
// been parsed.
type RunMode int

const (
	RunDebug RunMode = iota
	RunStandalone
	RunCheck
	RunStatus
)

func (m RunMode) String() string {
	switch m {
	case RunDebug:
		return "debug"
	case RunStandalone:
		return "standalone"
	case RunCheck:
		return "check"
	case RunStatus:
		return "status"
	}
	return fmt.Sprintf("unknown (%d)", int(m))
}

// runParameters is the result of parsing os.Args.
type runParameters struct {
	Mode       RunMode
	Background bool
}

const (
	pathConfDir     = "/etc/usbipd"
	pathProgState   = "/var/lib/usbipd"
	pathLockFile    = pathProgState + "/lock/usbipd.lock"
	pathControlSock = "/var/run/usbipd/ctrl"
)

func usage() {
	fmt.Printf(usageText, os.Args[0])
	os.Exit(0)
}

func usageError(format string, args ...interface{}) {
	if format != "" {
		fmt.Printf(format+"\n", args...)
	}
	fmt.Printf("Try %s -h for more information\n", os.Args[0])
	os.Exit(1)
}

func parseArgv() runParameters {
	params := runParameters{Mode: RunDebug}

	modes := 0
	for _, arg := range os.Args[1:] {
		switch arg {
		case "-h", "-help", "--help":
			usage()
		case "standalone":
			params.Mode = RunStandalone
			modes++
		case "debug":
			params.Mode = RunDebug
			modes++
		case "check":
			params.Mode = RunCheck
			modes++
		case "status":
			params.Mode = RunStatus
			modes++
		case "-bg":
			params.Background = true
		default:
			usageError("invalid argument %s", arg)
		}
	}

	if modes > 1 {
		usageError("conflicting run modes")
	}
	if params.Mode == RunDebug {
		params.Background = false
	}

	return params
}

func printStatus(log *usbiplog.Logger) {
	conn, err := ctrlsock.Dial(pathControlSock)
	if err != nil {
		log.Begin().Info(0, "%s", err).Commit()
		return
	}
	defer conn.Close()

	fmt.Fprintf(conn, "GET /status HTTP/1.0\r\nHost: localhost\r\n\r\n")
	buf := make([]byte, 64*1024)
	n, _ := conn.Read(buf)
	os.Stdout.Write(buf[:n])
}

func main() {
	params := parseArgv()

	exe, err := os.Executable()
	if err != nil {
		fmt.Fprintf(os.Stderr, "usbipd: %s\n", err)
		os.Exit(1)
	}
	exeDir := filepath.Dir(exe)

	conf, err := config.Load(
		filepath.Join(pathConfDir, config.FileName),
		filepath.Join(exeDir, config.FileName),
	)
	if err != nil {
		fmt.Fprintf(os.Stderr, "usbipd: %s\n", err)
		os.Exit(1)
	}

	log := usbiplog.NewLogger().ToFile(filepath.Join(pathProgState, "usbipd.log"))
	log.SetLevels(conf.LogMain)

	console := usbiplog.NewLogger()
	if params.Mode != RunDebug && params.Mode != RunCheck && params.Mode != RunStatus {
		console.ToNowhere()
	} else {
		console.ToConsole()
	}
	console.SetLevels(conf.LogConsole)
	log.Cc(console, usbiplog.LogAll)

	if params.Mode == RunStatus {
		printStatus(log)
		os.Exit(0)
	}

	if os.Geteuid() != 0 {
		log.Begin().Exit(0, "usbipd: this program requires root privileges")
	}

	hostReg := hostusb.NewRegistry()
	defer hostReg.Close()

	if params.Mode == RunCheck {
		snaps, err := hostReg.List()
		if err != nil {
			log.Begin().Info(0, "can't read list of USB devices: %s", err).Commit()
		} else if len(snaps) == 0 {
			log.Begin().Info(0, "no USB devices found").Commit()
		} else {
			log.Begin().Info(0, "USB devices:").Commit()
			for _, s := range snaps {
				log.Begin().Info(0, "  %s  %4.4x:%4.4x", s.BusID(), s.Vendor, s.Product).Commit()
			}
		}
		os.Exit(0)
	}

	if params.Background {
		if err := daemon.Background(exe, "-bg"); err != nil {
			log.Begin().Exit(0, "usbipd: %s", err)
		}
		os.Exit(0)
	}

	lock, err := daemon.AcquireInstanceLock(pathLockFile)
	if err != nil {
		log.Begin().Exit(0, "usbipd: %s", err)
	}
	defer daemon.ReleaseInstanceLock(lock)

	log.Begin().
		Info(' ', "===============================").
		Info(' ', "usbipd started in %q mode, pid=%d", params.Mode, os.Getpid()).
		Commit()
	defer log.Begin().Info(' ', "usbipd finished").Commit()

	if params.Mode != RunDebug {
		if err := daemon.CloseStdInOutErr(); err != nil {
			log.Begin().Exit(0, "usbipd: %s", err)
		}
	}

	reg := registry.New(hostReg, conf.ExportBusIDs)

	srv, err := server.New(server.Config{
		Address:      conf.ListenAddress,
		Port:         conf.ListenPort,
		IPV6Enable:   conf.IPV6Enable,
		LoopbackOnly: conf.LoopbackOnly,
	}, reg, log)
	if err != nil {
		log.Begin().Exit(0, "usbipd: %s", err)
	}

	ctrl := ctrlsock.New(pathControlSock, reg, log)
	if err := ctrl.Start(); err != nil {
		log.Begin().Error('!', "usbipd: control socket: %s", err).Commit()
	} else {
		defer ctrl.Stop()
	}

	var publisher *dnssd.Publisher
	if conf.DNSSdEnable {
		publisher, err = dnssd.Publish("usbipd", conf.ListenPort, conf.ExportBusIDs, log)
		if err != nil {
			log.Begin().Error('!', "usbipd: dnssd: %s", err).Commit()
		} else {
			defer publisher.Unpublish()
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Begin().Info(' ', "usbipd: shutting down").Commit()
		cancel()
	}()

	if err := srv.Serve(ctx); err != nil {
		log.Begin().Error('!', "usbipd: %s", err).Commit()
		os.Exit(1)
	}
}
