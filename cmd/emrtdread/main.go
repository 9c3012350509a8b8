// Command emrtdread is a small demo tool: it connects to a PC/SC reader,
// runs the BAC handshake, selects the eMRTD application, and hex-dumps the
// requested Data Groups. It is not part of the library's tested contract —
// it exists to exercise the rest of the module against a real card.
package main

import (
	"encoding/hex"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"golang.org/x/term"

	"github.com/vunguyen2808/go-emrtd/bac"
	"github.com/vunguyen2808/go-emrtd/cryptoutil"
	"github.com/vunguyen2808/go-emrtd/internal/config"
	"github.com/vunguyen2808/go-emrtd/mrtd"
	"github.com/vunguyen2808/go-emrtd/passport"
	"github.com/vunguyen2808/go-emrtd/pcsc"
)

func main() {
	readerFlag := flag.Int("reader", -1, "PC/SC reader index (default: from config)")
	configPath := flag.String("config", "emrtdread.yaml", "path to YAML config file")
	dgFlag := flag.String("dg", "", "comma-separated Data Group numbers to read, e.g. 1,2,14 (default: from config)")
	verbose := flag.Bool("v", false, "enable debug logging")
	flag.Parse()

	level := slog.LevelInfo
	if *verbose {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	cfg, err := config.Load(*configPath)
	if err != nil {
		log.Fatalf("load config: %v", err)
	}
	if *verbose && cfg.Read.Verbose == nil {
		v := true
		cfg.Read.Verbose = &v
	}
	if cfg.Read.Verbose != nil && *cfg.Read.Verbose {
		slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelDebug})))
	}

	readerIndex := *cfg.Reader.Index
	if *readerFlag >= 0 {
		readerIndex = *readerFlag
	}

	dgs := cfg.Read.DataGroups
	if *dgFlag != "" {
		dgs, err = parseDGList(*dgFlag)
		if err != nil {
			log.Fatalf("-dg: %v", err)
		}
	}

	docNumber, dob, doe := cfg.MRZ.DocumentNumber, cfg.MRZ.DateOfBirth, cfg.MRZ.DateOfExpiry
	if !cfg.HasMRZ() {
		docNumber, dob, doe, err = promptMRZ()
		if err != nil {
			log.Fatalf("read MRZ input: %v", err)
		}
	}

	seed := cryptoutil.DBAKeySeed(docNumber, dob, doe)
	keys := bac.DeriveKeys(seed)

	conn := pcsc.New(readerIndex)
	sess := mrtd.New(conn)

	if err := sess.Connect(""); err != nil {
		log.Fatalf("connect: %v", err)
	}
	defer func() {
		if err := sess.Disconnect("", ""); err != nil {
			slog.Warn("disconnect failed", "error", err)
		}
	}()

	if err := sess.StartSession(keys); err != nil {
		log.Fatalf("BAC handshake failed: %v", err)
	}
	slog.Info("BAC session established")

	p := passport.New(sess)

	dumpEF("EF.COM", p.ReadCOM)
	dumpEF("EF.SOD", p.ReadSOD)

	for _, n := range dgs {
		n := n
		dumpEF(fmt.Sprintf("EF.DG%d", n), func() ([]byte, error) { return p.ReadDG(n) })
	}
}

func dumpEF(label string, read func() ([]byte, error)) {
	data, err := read()
	if err != nil {
		slog.Error("read failed", "file", label, "error", err)
		return
	}
	fmt.Printf("--- %s (%d bytes) ---\n%s\n", label, len(data), hex.Dump(data))
}

func parseDGList(s string) ([]int, error) {
	var out []int
	for _, part := range strings.Split(s, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		n, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid Data Group number %q: %w", part, err)
		}
		if n < 1 || n > 16 {
			return nil, fmt.Errorf("Data Group number %d out of range 1..16", n)
		}
		out = append(out, n)
	}
	return out, nil
}

// promptMRZ reads the three MRZ fields BAC keys are derived from using raw
// terminal input, so they are not echoed to the scrollback.
func promptMRZ() (docNumber, dob, doe string, err error) {
	fd := int(os.Stdin.Fd())

	docNumber, err = readLine(fd, "Document number: ")
	if err != nil {
		return "", "", "", err
	}
	dob, err = readLine(fd, "Date of birth (YYMMDD): ")
	if err != nil {
		return "", "", "", err
	}
	doe, err = readLine(fd, "Date of expiry (YYMMDD): ")
	if err != nil {
		return "", "", "", err
	}
	return docNumber, dob, doe, nil
}

func readLine(fd int, prompt string) (string, error) {
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("%s %w", prompt, err)
	}
	return strings.TrimSpace(string(b)), nil
}
