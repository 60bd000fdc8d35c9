package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/crypto/bcrypt"

	"github.com/crossex/cross/internal/config"
	"github.com/crossex/cross/internal/models"
	"github.com/crossex/cross/internal/store"
)

// Seed the database with two test users and a day of trade history.
func main() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()
	ctx := context.Background()

	cfg := config.Load("")
	st, err := store.New(ctx, cfg.DatabaseURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to connect to database")
	}
	defer st.Close()

	trades, err := st.LoadTrades(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to check trades")
	}
	if len(trades) > 0 {
		fmt.Printf("Database already has %d trades. No need to seed.\n", len(trades))
		return
	}

	userIDs := make([]int64, 0, 2)
	for _, username := range []string{"trader1", "trader2"} {
		user, err := st.GetUserByUsername(ctx, username)
		if err == nil {
			userIDs = append(userIDs, user.ID)
			continue
		}
		hashed, err := bcrypt.GenerateFromPassword([]byte("password123"), bcrypt.DefaultCost)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to hash password")
		}
		user, err = st.CreateUser(ctx, username, string(hashed))
		if err != nil {
			logger.Fatal().Err(err).Str("username", username).Msg("failed to create user")
		}
		userIDs = append(userIDs, user.ID)
	}

	// One matched pair per hour over the previous day, prices drifting around
	// 50000 ticks.
	base := time.Now().AddDate(0, 0, -1).Truncate(24 * time.Hour).Add(9 * time.Hour)
	var fragments []models.Fragment
	var nextID int64 = 1
	for i := 0; i < 8; i++ {
		executed := base.Add(time.Duration(i) * time.Hour)
		price := int64(50000 + 100*((i%5)-2))
		size := int64(5 + i%3)
		fragments = append(fragments,
			models.Fragment{
				ID: nextID, OrderID: nextID, UserID: userIDs[0],
				Side: models.Ask, Kind: models.Limit,
				Price: price, Size: size, ExecutedAt: executed,
			},
			models.Fragment{
				ID: nextID + 1, OrderID: nextID + 1, UserID: userIDs[1],
				Side: models.Bid, Kind: models.Market,
				Price: price, Size: size, ExecutedAt: executed,
			},
		)
		nextID += 2
	}

	if err := st.StoreTrades(ctx, fragments); err != nil {
		logger.Fatal().Err(err).Msg("failed to store seed trades")
	}
	fmt.Printf("Seeded %d users and %d trade fragments.\n", len(userIDs), len(fragments))
}
