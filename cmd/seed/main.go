// Seeds the database with demo accounts: five traders with USD
// balances, a couple of asset grants and the platform commission
// account. Running it twice is harmless; existing users are skipped.
package main

import (
	"context"

	"github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"

	"github.com/loeme/exchange/internal/config"
	"github.com/loeme/exchange/internal/db"
)

type seedUser struct {
	username string
	balance  string
	assets   map[string]string // symbol -> amount
}

var seedUsers = []seedUser{
	{username: "user1", balance: "100000.00"},
	{username: "user2", balance: "200000.00", assets: map[string]string{"btc": "5"}},
	{username: "user3", balance: "300000.00", assets: map[string]string{"eth": "50"}},
	{username: "user4", balance: "400000.00"},
	{username: "user5", balance: "500000.00"},
}

func main() {
	log := logrus.New()

	cfg, err := config.Load()
	if err != nil {
		log.WithError(err).Fatal("failed to load configuration")
	}

	ctx := context.Background()
	database, err := db.NewDB(ctx, cfg.DatabaseURL)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to database")
	}
	defer database.Close()

	hash, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
	if err != nil {
		log.WithError(err).Fatal("failed to hash password")
	}

	for _, u := range seedUsers {
		var id int64
		err := database.Pool.QueryRow(ctx,
			`INSERT INTO users (username, password_hash, balance)
			 VALUES ($1, $2, $3)
			 ON CONFLICT (username) DO NOTHING
			 RETURNING id`,
			u.username, string(hash), u.balance).Scan(&id)
		if err != nil {
			log.WithField("username", u.username).Info("user already exists, skipping")
			continue
		}

		for symbol, amount := range u.assets {
			if _, err := database.Pool.Exec(ctx,
				`INSERT INTO assets (user_id, symbol, amount, locked_amount)
				 VALUES ($1, $2, $3, 0)
				 ON CONFLICT (user_id, symbol) DO NOTHING`,
				id, symbol, amount); err != nil {
				log.WithError(err).WithFields(logrus.Fields{
					"username": u.username,
					"symbol":   symbol,
				}).Fatal("failed to grant asset")
			}
		}
		log.WithFields(logrus.Fields{
			"username": u.username,
			"balance":  u.balance,
		}).Info("seeded user")
	}

	// Commission collector. Created on demand by the engine as well,
	// seeding it here just makes it visible from the start. The empty
	// password hash never verifies, so the account cannot log in.
	if _, err := database.Pool.Exec(ctx,
		`INSERT INTO users (username, password_hash, balance)
		 VALUES ($1, '', 0)
		 ON CONFLICT (username) DO NOTHING`,
		cfg.PlatformAccount); err != nil {
		log.WithError(err).Fatal("failed to seed platform account")
	}

	log.Info("seeding complete")
}
