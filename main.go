// Command jmapd is a JMAP server: it serves the session object, the api
// endpoint for batched method calls, blob upload and download, and
// optionally the websocket channel, for accounts stored locally.
package main

import (
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"

	"golang.org/x/term"

	"github.com/mjl-/sconf"

	"github.com/mjl-/jmapd/config"
	"github.com/mjl-/jmapd/jmapserver/httphandler"
	"github.com/mjl-/jmapd/mlog"
	"github.com/mjl-/jmapd/store"
)

var configPath string

func usage() {
	fmt.Fprintln(os.Stderr, "usage: jmapd [-config file] serve")
	fmt.Fprintln(os.Stderr, "       jmapd describe")
	fmt.Fprintln(os.Stderr, "       jmapd [-config file] setpassword account")
	os.Exit(2)
}

func main() {
	flag.StringVar(&configPath, "config", filepath.FromSlash("jmapd.conf"), "path to configuration file")
	flag.Usage = usage
	flag.Parse()
	args := flag.Args()
	if len(args) == 0 {
		usage()
	}

	switch args[0] {
	case "serve":
		serve()
	case "describe":
		// Print an annotated example config.
		cfg := config.Static{JMAP: config.DefaultJMAP}
		if err := sconf.Describe(os.Stdout, &cfg); err != nil {
			fmt.Fprintln(os.Stderr, "describe:", err)
			os.Exit(1)
		}
	case "setpassword":
		if len(args) != 2 {
			usage()
		}
		setPassword(args[1])
	default:
		usage()
	}
}

func loadConfig(log mlog.Log) config.Static {
	var cfg config.Static
	if err := sconf.ParseFile(configPath, &cfg); err != nil {
		log.Fatalx("parsing config file", err, slog.String("path", configPath))
	}
	if err := cfg.Check(); err != nil {
		log.Fatalx("checking config file", err, slog.String("path", configPath))
	}
	if level, ok := mlog.Levels[cfg.LogLevel]; ok {
		mlog.SetConfig(map[string]slog.Level{"": level})
	}
	return cfg
}

func serve() {
	log := mlog.New("main", nil)
	cfg := loadConfig(log)

	if err := store.Init(log, cfg.DataDir); err != nil {
		log.Fatalx("initializing data dir", err)
	}

	jh, err := httphandler.NewHandler(cfg, mlog.New("jmap", nil))
	if err != nil {
		log.Fatalx("assembling jmap handler", err)
	}

	mux := http.NewServeMux()
	mux.Handle(cfg.Listen.Path, jh)
	mux.Handle(cfg.Listen.Path+"/", jh)

	log.Info("listening", slog.String("address", cfg.Listen.Address), slog.String("path", cfg.Listen.Path))
	srv := &http.Server{
		Addr:    cfg.Listen.Address,
		Handler: mux,
	}
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		log.Fatalx("serving http", err)
	}
}

// setPassword creates the account if needed and sets its password, read from
// the terminal or from stdin when not a tty.
func setPassword(name string) {
	log := mlog.New("main", nil)
	cfg := loadConfig(log)
	if err := store.Init(log, cfg.DataDir); err != nil {
		log.Fatalx("initializing data dir", err)
	}

	var password string
	if term.IsTerminal(int(os.Stdin.Fd())) {
		fmt.Printf("password for %s: ", name)
		buf, err := term.ReadPassword(int(os.Stdin.Fd()))
		fmt.Println()
		if err != nil {
			log.Fatalx("reading password", err)
		}
		password = string(buf)
	} else {
		if _, err := fmt.Fscanln(os.Stdin, &password); err != nil {
			log.Fatalx("reading password from stdin", err)
		}
	}
	if len(password) < 8 {
		log.Fatal("password must be at least 8 characters")
	}

	acc, err := store.OpenAccount(log, name)
	if err != nil {
		log.Fatalx("opening account", err, slog.String("account", name))
	}
	defer func() {
		log.Check(acc.Close(), "closing account")
	}()
	if err := acc.SetPassword(log, password); err != nil {
		log.Fatalx("setting password", err)
	}
	log.Info("password set", slog.String("account", name))
}
