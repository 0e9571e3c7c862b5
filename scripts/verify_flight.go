//go:build ignore

package main

import (
	"context"
	"fmt"
	"os"
	"slices"
	"time"

	"github.com/23skdu/longbow-radix/internal/client"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

func main() {
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})

	addr := "localhost:9090"
	if len(os.Args) > 1 {
		addr = os.Args[1]
	}

	log.Info().Str("addr", addr).Msg("Connecting to Radix Flight Server")

	c, err := client.NewFlightClient(addr)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create client")
	}
	defer c.Close()

	keys := []uint32{170, 45, 75, 90, 802, 24, 2, 66, 1 << 31, 0, 45}

	// Retry while the server comes up; the breaker opens after five failures.
	var sorted []uint32
	for i := 0; i < 5; i++ {
		sorted, err = c.Sort(context.Background(), keys)
		if err == nil {
			break
		}
		log.Warn().Err(err).Msg("Sort failed, retrying...")
		time.Sleep(1 * time.Second)
	}
	if err != nil {
		log.Fatal().Err(err).Str("breaker", c.Breaker().State().String()).Msg("Sort failed after retries")
	}

	want := slices.Clone(keys)
	slices.Sort(want)
	if !slices.Equal(want, sorted) {
		log.Fatal().Interface("want", want).Interface("got", sorted).Msg("Sort mismatch")
	}
	log.Info().Int("count", len(sorted)).Msg("Keys sorted")

	fmt.Println("VERIFICATION PASSED")
}
