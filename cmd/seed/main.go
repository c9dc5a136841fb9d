package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/xtrntr/papertrade/internal/access"
	"github.com/xtrntr/papertrade/internal/auth"
	"github.com/xtrntr/papertrade/internal/config"
	"github.com/xtrntr/papertrade/internal/db"
	"github.com/xtrntr/papertrade/internal/ledger"
	"github.com/xtrntr/papertrade/internal/models"
	"github.com/xtrntr/papertrade/internal/quote"
	"github.com/xtrntr/papertrade/internal/service"
	"github.com/xtrntr/papertrade/internal/txlog"
	"github.com/xtrntr/papertrade/internal/valuation"

	_ "github.com/joho/godotenv/autoload"
	"github.com/shopspring/decimal"
)

// Seed the database with a teacher, two students, a classroom and a few
// executed orders
func main() {
	ctx := context.Background()

	conf, err := config.Load("./cmd/server/config.yml")
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}
	if conf.Postgres.URL == "" {
		log.Fatal("PAPERTRADE_POSTGRES_URL is required")
	}

	database, err := db.NewDB(ctx, conf.Postgres.URL)
	if err != nil {
		log.Fatalf("Failed to connect to database: %v", err)
	}
	defer database.Close(ctx)

	if err := database.Migrate(ctx); err != nil {
		log.Fatalf("Failed to migrate: %v", err)
	}

	// First check if we already have users
	if _, err := database.GetUserByUsername(ctx, "teacher1"); err == nil {
		fmt.Println("Database already seeded. Nothing to do.")
		os.Exit(0)
	}

	// The demo password for every user is "password123"
	authService := auth.NewAuthService(database, conf.Auth.JWTSecret, conf.Auth.TokenTTL)
	teacher, err := authService.Register(ctx, "teacher1", "password123", models.TierPro)
	if err != nil {
		log.Fatalf("Failed to create teacher: %v", err)
	}
	student1, err := authService.Register(ctx, "student1", "password123", models.TierBasic)
	if err != nil {
		log.Fatalf("Failed to create student1: %v", err)
	}
	student2, err := authService.Register(ctx, "student2", "password123", models.TierBasic)
	if err != nil {
		log.Fatalf("Failed to create student2: %v", err)
	}

	quotes := quote.NewStatic(map[string]decimal.Decimal{
		"AAPL": decimal.RequireFromString("190.25"),
		"MSFT": decimal.RequireFromString("415.10"),
		"GOOG": decimal.RequireFromString("172.40"),
	})
	guard := access.NewGuard(database)
	svc := service.NewService(database,
		ledger.NewLedger(database, quotes, guard),
		valuation.NewEngine(quotes),
		guard, nil, nil)

	classroom, err := svc.CreateClassroom(ctx, teacher.ID, "Intro to Investing")
	if err != nil {
		log.Fatalf("Failed to create classroom: %v", err)
	}

	start := decimal.NewFromInt(10000)
	class1, err := svc.EnrollStudent(ctx, teacher.ID, classroom.ID, student1.ID, "student1 class portfolio", start)
	if err != nil {
		log.Fatalf("Failed to enroll student1: %v", err)
	}
	class2, err := svc.EnrollStudent(ctx, teacher.ID, classroom.ID, student2.ID, "student2 class portfolio", start)
	if err != nil {
		log.Fatalf("Failed to enroll student2: %v", err)
	}
	own, err := svc.CreatePortfolio(ctx, student1.ID, "student1 personal", decimal.NewFromInt(2500))
	if err != nil {
		log.Fatalf("Failed to create personal portfolio: %v", err)
	}

	orders := []struct {
		portfolio models.Portfolio
		user      *models.User
		ticker    string
		shares    int64
		dir       models.Direction
	}{
		{class1, student1, "AAPL", 10, models.Buy},
		{class1, student1, "MSFT", 5, models.Buy},
		{class1, student1, "AAPL", 4, models.Sell},
		{class2, student2, "GOOG", 20, models.Buy},
		{own, student1, "MSFT", 3, models.Buy},
	}
	for _, o := range orders {
		if _, err := svc.Execute(ctx, o.portfolio.ID, o.user.ID, o.ticker, o.shares, o.dir); err != nil {
			log.Fatalf("Failed to execute %s %d %s: %v", o.dir, o.shares, o.ticker, err)
		}
	}

	recs, err := svc.ListTransactions(ctx, student1.ID, txlog.ByUser(student1.ID))
	if err != nil {
		log.Fatalf("Failed to read history: %v", err)
	}
	fmt.Printf("Successfully seeded the database: 3 users, 1 classroom, 3 portfolios, %d transactions for student1\n", len(recs))
}
