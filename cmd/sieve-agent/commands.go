package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"strconv"
	"syscall"

	"github.com/nbd-wtf/go-nostr/nip19"
	"github.com/olekukonko/tablewriter"
	"github.com/urfave/cli/v2"

	"github.com/ssd-technologies/sieve/internal/content"
	"github.com/ssd-technologies/sieve/internal/crypto"
	"github.com/ssd-technologies/sieve/internal/manifest"
	"github.com/ssd-technologies/sieve/internal/reputation"
	"github.com/ssd-technologies/sieve/internal/wot"
)

var wotCommand = &cli.Command{
	Name:  "wot",
	Usage: "build or show the Web-of-Trust graph",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "root", Usage: "root pubkey (default: own identity)"},
		&cli.BoolFlag{Name: "refresh", Usage: "rebuild even when a fresh cached graph exists"},
		&cli.IntFlag{Name: "limit", Value: 20, Usage: "rows to print"},
	},
	Action: cmdWot,
}

var trustCommand = &cli.Command{
	Name:      "trust",
	Usage:     "show the fused trust assessment of a peer",
	ArgsUsage: "<pubkey>",
	Action:    cmdTrust,
}

var peersCommand = &cli.Command{
	Name:   "peers",
	Usage:  "list the reputation ledger",
	Action: cmdPeers,
}

var manifestCommand = &cli.Command{
	Name:   "manifest",
	Usage:  "print the manifest advertised in presence events",
	Action: cmdManifest,
}

var importCommand = &cli.Command{
	Name:      "import",
	Usage:     "import scored items from a JSON array file (- for stdin)",
	ArgsUsage: "<items.json>",
	Action:    cmdImport,
}

var sealKeyCommand = &cli.Command{
	Name:  "seal-key",
	Usage: "encrypt a secret key into the keystore",
	Flags: []cli.Flag{
		&cli.StringFlag{Name: "secret", Usage: "hex secret key", EnvVars: []string{"SIEVE_SECRET_KEY"}, Required: true},
		passwordFileFlag,
		&cli.BoolFlag{Name: "force", Usage: "overwrite an existing keystore"},
	},
	Action: cmdSealKey,
}

var dumpConfigCommand = &cli.Command{
	Name:   "dumpconfig",
	Usage:  "print the effective configuration as TOML",
	Action: cmdDumpConfig,
}

func newTable(w io.Writer, header ...string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.SetHeader(header)
	table.SetAlignment(tablewriter.ALIGN_LEFT)
	table.SetAutoWrapText(false)
	return table
}

func cmdWot(c *cli.Context) error {
	e, err := openEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	root := c.String("root")
	if root == "" {
		if root, err = e.pubkey(); err != nil {
			return err
		}
	}
	if !wot.ValidPubkey(root) {
		return fmt.Errorf("invalid root pubkey %q", root)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	pool := e.relayPool()
	defer pool.Close()
	g, cached, err := wot.Refresh(ctx, e.graphCache(), e.graphBuilder(pool), root, e.cfg.Graph.CacheTTL.Duration, c.Bool("refresh"))
	if g == nil {
		return err
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "warning: graph is partial: %v\n", err)
	}

	stats := g.Stats()
	source := "built"
	if cached {
		source = "cached"
	}
	fmt.Printf("Root:   %s\n", g.RootPubkey)
	fmt.Printf("Graph:  %d nodes (%s %s), following %d\n", stats.Nodes, source, g.BuiltAt.Format("2006-01-02 15:04"), stats.RootFollowing)
	hops := make([]int, 0, len(stats.ByHop))
	for h := range stats.ByHop {
		hops = append(hops, h)
	}
	sort.Ints(hops)
	for _, h := range hops {
		fmt.Printf("  hop %d: %d\n", h, stats.ByHop[h])
	}

	table := newTable(os.Stdout, "Pubkey", "Hops", "Mutual", "Trust")
	for i, s := range g.ScoreAll() {
		if i >= c.Int("limit") {
			break
		}
		table.Append([]string{s.Pubkey, strconv.Itoa(s.HopDistance), strconv.Itoa(s.MutualFollows), fmt.Sprintf("%.3f", s.TrustScore)})
	}
	table.Render()
	return nil
}

func cmdTrust(c *cli.Context) error {
	pubkey := c.Args().First()
	if !wot.ValidPubkey(pubkey) {
		return fmt.Errorf("usage: sieve-agent trust <64-hex pubkey>")
	}
	e, err := openEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	score := wot.Score{Pubkey: pubkey, HopDistance: wot.Unreachable}
	if root, err := e.pubkey(); err == nil {
		if g := e.graphCache().Load(root); g != nil {
			score = g.Score(pubkey)
		} else {
			fmt.Fprintln(os.Stderr, "no cached graph; run 'sieve-agent wot' first")
		}
	}

	rep, ok := reputation.NewLedger(e.db, e.logger).Get(pubkey)
	if !ok {
		rep = reputation.Peer{Pubkey: pubkey}
	}
	a := reputation.Assess(score.TrustScore, rep)

	hops := "-"
	if score.InGraph {
		hops = strconv.Itoa(score.HopDistance)
	}
	table := newTable(os.Stdout, "Field", "Value")
	table.AppendBulk([][]string{
		{"Pubkey", pubkey},
		{"Hops", hops},
		{"Mutual follows", strconv.Itoa(score.MutualFollows)},
		{"Graph trust", fmt.Sprintf("%.3f", score.TrustScore)},
		{"Useful / slop", fmt.Sprintf("%d / %d", rep.Useful, rep.Slop)},
		{"Reputation", strconv.Itoa(rep.Score)},
		{"Blocked", strconv.FormatBool(rep.Blocked)},
		{"Effective trust", fmt.Sprintf("%.3f", a.Effective)},
		{"Tier", string(a.Tier)},
		{"Fee", strconv.Itoa(a.Fee)},
	})
	table.Render()
	return nil
}

func cmdPeers(c *cli.Context) error {
	e, err := openEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	var g *wot.Graph
	if root, err := e.pubkey(); err == nil {
		g = e.graphCache().Load(root)
	}

	table := newTable(os.Stdout, "Pubkey", "Useful", "Slop", "Score", "Tier", "Fee")
	for _, p := range reputation.NewLedger(e.db, e.logger).All() {
		var trust float64
		if g != nil {
			trust = g.Score(p.Pubkey).TrustScore
		}
		a := reputation.Assess(trust, p)
		table.Append([]string{p.Pubkey, strconv.Itoa(p.Useful), strconv.Itoa(p.Slop), strconv.Itoa(p.Score), string(a.Tier), strconv.Itoa(a.Fee)})
	}
	table.Render()
	return nil
}

func cmdManifest(c *cli.Context) error {
	e, err := openEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	data, err := manifest.Build(content.NewStore(e.db, e.logger).Items()).Encode()
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}

func cmdImport(c *cli.Context) error {
	path := c.Args().First()
	if path == "" {
		return errors.New("usage: sieve-agent import <items.json>")
	}
	var (
		data []byte
		err  error
	)
	if path == "-" {
		data, err = io.ReadAll(os.Stdin)
	} else {
		data, err = os.ReadFile(path)
	}
	if err != nil {
		return err
	}
	var items []content.Item
	if err := json.Unmarshal(data, &items); err != nil {
		return fmt.Errorf("parse %s: %w", path, err)
	}

	e, err := openEnv(c)
	if err != nil {
		return err
	}
	defer e.Close()

	store := content.NewStore(e.db, e.logger)
	imported, offerable := 0, 0
	for i, it := range items {
		if err := store.Put(it); err != nil {
			fmt.Fprintf(os.Stderr, "item %d skipped: %v\n", i, err)
			continue
		}
		imported++
		if it.Offerable() {
			offerable++
		}
	}
	fmt.Printf("Imported %d of %d items (%d offerable)\n", imported, len(items), offerable)
	return nil
}

func cmdSealKey(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	e := &env{cfg: cfg}
	path := e.keystorePath()
	if fileExists(path) && !c.Bool("force") {
		return fmt.Errorf("keystore %s exists; use --force to replace it", path)
	}

	password, err := readPassword(c.String(passwordFileFlag.Name))
	if err != nil {
		return err
	}
	if password == "" {
		return errors.New("refusing to seal with an empty password")
	}
	ks, err := crypto.Seal(c.String("secret"), password, crypto.DefaultKDF)
	if err != nil {
		return err
	}
	if err := ks.WriteFile(path); err != nil {
		return err
	}
	fmt.Printf("Keystore written to %s\n", path)
	fmt.Printf("  Pubkey: %s\n", ks.Pubkey)
	if npub, err := nip19.EncodePublicKey(ks.Pubkey); err == nil {
		fmt.Printf("  npub:   %s\n", npub)
	}
	return nil
}

func cmdDumpConfig(c *cli.Context) error {
	cfg, err := loadConfig(c)
	if err != nil {
		return err
	}
	// Never echo the secret key.
	if cfg.Identity.SecretKey != "" {
		cfg.Identity.SecretKey = "<redacted>"
	}
	return cfg.Write(os.Stdout)
}
