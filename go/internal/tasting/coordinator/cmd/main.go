// Command coordinator runs one device of a tasting game on the terminal.
package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/mcdev12/blindtasting/go/internal/dbconfig"
	"github.com/mcdev12/blindtasting/go/internal/kvstore"
	"github.com/mcdev12/blindtasting/go/internal/models"
	"github.com/mcdev12/blindtasting/go/internal/tasting/coordinator"
	"github.com/mcdev12/blindtasting/go/internal/tasting/device"
	"github.com/mcdev12/blindtasting/go/internal/tasting/relay"
	"github.com/mcdev12/blindtasting/go/internal/tasting/repository"
	"github.com/mcdev12/blindtasting/go/internal/tasting/sessioncache"
	"github.com/mcdev12/blindtasting/go/internal/tasting/sessioncode"
)

func main() {
	if err := godotenv.Load(); err != nil {
		log.Warn().Err(err).Msg("could not load .env file")
	}
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	cfg, err := loadConfig(getEnv("TASTING_CONFIG", "tasting.yaml"))
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	coordCfg, err := cfg.coordinatorConfig()
	if err != nil {
		log.Fatal().Err(err).Msg("invalid game config")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	clock := clockwork.NewRealClock()

	var kv kvstore.Store
	if store, err := kvstore.OpenSQLite(cfg.Device.StatePath); err != nil {
		log.Warn().Err(err).Str("path", cfg.Device.StatePath).Msg("device storage unavailable, state will not survive a restart")
		kv = kvstore.NewMemory()
	} else {
		defer store.Close()
		kv = store
	}

	dbCfg := dbconfig.NewConfigFromEnv()
	db, err := repository.Open(ctx, dbCfg)
	if err != nil {
		log.Fatal().Err(err).Str("driver", dbCfg.Driver).Msg("failed to connect to database")
	}
	defer db.Close()

	repo := repository.New(db, dbCfg.IsPostgres(), clock)
	if err := repo.EnsureSchema(ctx); err != nil {
		log.Fatal().Err(err).Msg("failed to prepare schema")
	}

	rl, err := relay.Open(ctx, cfg.Relay, nil)
	if err != nil {
		log.Fatal().Err(err).Str("relay", cfg.Relay.Kind).Msg("failed to open relay")
	}
	defer rl.Close()

	coord := coordinator.New(coordCfg, coordinator.Deps{
		Store:    repo,
		Relay:    rl,
		Codes:    sessioncode.NewGenerator(repo, clock),
		Identity: device.NewIdentityStore(kv),
		Cache:    sessioncache.New(kv),
		Clock:    clock,
	})
	defer coord.Close()

	if out, err := coord.Restore(ctx); err != nil {
		log.Error().Err(err).Msg("failed to restore session")
	} else if out.Game != nil {
		log.Info().Str("session_code", out.Game.SessionCode).Bool("resolved", out.Resolved()).Msg("resumed previous session")
	}

	log.Info().
		Str("database", dbCfg.Driver).
		Str("relay", cfg.Relay.Kind).
		Str("state_path", cfg.Device.StatePath).
		Msg("starting tasting device")

	go func() {
		if err := coord.Run(ctx); err != nil {
			log.Error().Err(err).Msg("coordinator stopped")
		}
	}()

	lines := make(chan string)
	go readLines(os.Stdin, lines)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	for {
		select {
		case sig := <-sigChan:
			log.Info().Str("signal", sig.String()).Msg("received shutdown signal")
			return
		case line, ok := <-lines:
			if !ok {
				return
			}
			if quit := runCommand(ctx, coord, line); quit {
				return
			}
		case <-coord.Changes():
			printStatus(coord)
		}
	}
}

func readLines(r io.Reader, out chan<- string) {
	defer close(out)
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		out <- scanner.Text()
	}
}

const usage = `commands:
  create NAME ROUNDS DRINK[,DRINK...] [pro|beginner] [SECONDS]
  add NAME                 start | next | complete | end
  join CODE NAME           guess ROUND DRINK (round number, drink name)
  status | scores | reset | quit`

// runCommand executes one line and reports whether to quit.
func runCommand(ctx context.Context, c *coordinator.Coordinator, line string) bool {
	f := strings.Fields(line)
	if len(f) == 0 {
		return false
	}

	var err error
	switch cmd, args := f[0], f[1:]; {
	case cmd == "quit" || cmd == "exit":
		return true
	case cmd == "create" && len(args) >= 3:
		err = create(ctx, c, args)
	case cmd == "add" && len(args) >= 1:
		_, err = c.AddPlayer(ctx, strings.Join(args, " "))
	case cmd == "join" && len(args) >= 2:
		if !sessioncode.Valid(models.NormalizeSessionCode(args[0])) {
			fmt.Printf("%q does not look like a session code, trying anyway\n", args[0])
		}
		_, err = c.Join(ctx, args[0], strings.Join(args[1:], " "))
	case cmd == "start":
		err = c.Start(ctx)
	case cmd == "next":
		err = c.AdvanceRound(ctx)
	case cmd == "complete":
		err = c.CompleteGame(ctx)
	case cmd == "end":
		err = c.EndGame(ctx)
	case cmd == "guess" && len(args) >= 2:
		err = guess(ctx, c, args[0], strings.Join(args[1:], " "))
	case cmd == "status":
		printStatus(c)
	case cmd == "scores":
		printScores(c)
	case cmd == "reset":
		c.Reset()
	default:
		fmt.Println(usage)
	}

	if err != nil {
		fmt.Println(describe(err))
	}
	return false
}

func create(ctx context.Context, c *coordinator.Coordinator, args []string) error {
	rounds, err := strconv.Atoi(args[1])
	if err != nil {
		return fmt.Errorf("%w: rounds must be a number", coordinator.ErrInvalidSetup)
	}
	req := coordinator.SetupRequest{
		Name:       args[0],
		Mode:       models.GameModePro,
		RoundCount: rounds,
	}
	for _, name := range strings.Split(args[2], ",") {
		req.Drinks = append(req.Drinks, coordinator.DrinkInput{Name: name})
	}
	if len(args) > 3 {
		req.Mode = models.GameMode(args[3])
	}
	if len(args) > 4 {
		secs, err := strconv.Atoi(args[4])
		if err != nil {
			return fmt.Errorf("%w: time limit must be a number of seconds", coordinator.ErrInvalidSetup)
		}
		req.RoundTimeLimit, req.EnableTimeLimit = secs, secs > 0
	}

	g, err := c.SetUpGame(ctx, req)
	if err != nil {
		return err
	}
	fmt.Printf("session code: %s\n", g.SessionCode)
	return nil
}

func guess(ctx context.Context, c *coordinator.Coordinator, round, drinkName string) error {
	g := c.Game()
	if g == nil {
		return coordinator.ErrNoActiveGame
	}
	p, ok := c.CurrentPlayer()
	if !ok {
		return coordinator.ErrIdentityUnresolved
	}
	n, err := strconv.Atoi(round)
	if err != nil || n < 1 || n > len(g.Rounds) {
		return coordinator.ErrRoundNotFound
	}
	for _, d := range g.Drinks {
		if models.NormalizeName(d.Name) == models.NormalizeName(drinkName) {
			return c.SubmitGuess(ctx, p.ID, g.Rounds[n-1].ID, d.ID)
		}
	}
	return coordinator.ErrDrinkNotFound
}

// describe turns an error into the message a player sees.
func describe(err error) string {
	switch {
	case errors.Is(err, coordinator.ErrGameNotFound):
		return "No game with that code. Check the code and try again."
	case errors.Is(err, coordinator.ErrNameNotRecognized):
		return "Connected, but that name is not on the player list. Join again with your name as the host entered it."
	case errors.Is(err, coordinator.ErrIdentityUnresolved):
		return "This device is not playing as anyone yet. Join again with your name."
	case errors.Is(err, coordinator.ErrStorage), errors.Is(err, coordinator.ErrRelayUnavailable):
		return "Network problem: " + err.Error()
	default:
		return err.Error()
	}
}

func printStatus(c *coordinator.Coordinator) {
	g := c.Game()
	if g == nil {
		fmt.Println("no game")
		return
	}
	who := "unbound"
	if p, ok := c.CurrentPlayer(); ok {
		who = p.Name
	}

	state := "registration"
	switch {
	case g.IsComplete && c.EndedEarly():
		state = "ended early by the host"
	case g.IsComplete:
		state = "complete"
	case g.Started():
		state = fmt.Sprintf("round %d of %d", g.CurrentRound+1, len(g.Rounds))
		if rem, ok := c.Remaining(); ok {
			state += fmt.Sprintf(", %ds left", int(rem.Seconds()))
		}
	}
	fmt.Printf("[%s] %s | %s | you: %s | players: %d\n", g.SessionCode, g.Name, state, who, g.GuestCount())
}

func printScores(c *coordinator.Coordinator) {
	g := c.Game()
	if g == nil {
		fmt.Println("no game")
		return
	}
	if g.Mode == models.GameModePro && !g.IsComplete {
		fmt.Println("scores are revealed when the game is complete")
		return
	}
	for i, s := range models.Leaderboard(g) {
		fmt.Printf("%d. %s %d/%d\n", i+1, s.PlayerName, s.Score, len(g.Rounds))
	}
}
