package repository

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"

	"perpbot/internal/models"
)

// ============================================================
// TradeRepository Tests
// ============================================================

var tradeCols = []string{"id", "instrument", "action", "side", "size", "price", "pnl_pct", "reason", "source", "client_order_id", "created_at"}

func TestTradeRepositoryCreate(t *testing.T) {
	now := time.Date(2024, 1, 15, 10, 0, 0, 0, time.UTC)

	tests := []struct {
		name        string
		rec         *models.TradeRecord
		mockSetup   func(mock sqlmock.Sqlmock)
		expectError bool
	}{
		{
			name: "open",
			rec: &models.TradeRecord{
				Instrument:    "BTC-USDT-SWAP",
				Action:        models.TradeActionOpen,
				Side:          "long",
				Size:          "1",
				Price:         "65000.5",
				Reason:        "buy signal (supertrend)",
				Source:        models.SourceStrategy,
				ClientOrderID: "abc123",
				CreatedAt:     now,
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO trades`).
					WithArgs("BTC-USDT-SWAP", models.TradeActionOpen, "long", "1", "65000.5", 0.0, "buy signal (supertrend)", models.SourceStrategy, "abc123", now).
					WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(1))
			},
		},
		{
			name: "database error",
			rec: &models.TradeRecord{
				Instrument: "BTC-USDT-SWAP",
				Action:     models.TradeActionClose,
				Side:       "short",
				Size:       "0.5",
				Price:      "64000",
				PnlPct:     -2.1,
				Reason:     "fixed stop: -2.10% <= -2.00%",
				Source:     models.SourceSafety,
				CreatedAt:  now,
			},
			mockSetup: func(mock sqlmock.Sqlmock) {
				mock.ExpectQuery(`INSERT INTO trades`).
					WithArgs("BTC-USDT-SWAP", models.TradeActionClose, "short", "0.5", "64000", -2.1, "fixed stop: -2.10% <= -2.00%", models.SourceSafety, "", now).
					WillReturnError(errors.New("database error"))
			},
			expectError: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			db, mock, err := sqlmock.New()
			if err != nil {
				t.Fatalf("failed to create mock: %v", err)
			}
			defer db.Close()

			tt.mockSetup(mock)

			repo := NewTradeRepository(db)
			err = repo.Create(context.Background(), tt.rec)

			if tt.expectError {
				if err == nil {
					t.Error("expected error, got nil")
				}
			} else {
				if err != nil {
					t.Errorf("unexpected error: %v", err)
				}
				if tt.rec.ID != 1 {
					t.Errorf("expected ID=1, got %d", tt.rec.ID)
				}
			}

			if err := mock.ExpectationsWereMet(); err != nil {
				t.Errorf("unfulfilled expectations: %v", err)
			}
		})
	}
}

func TestTradeRepositoryGetRecent(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	now := time.Now()
	rows := sqlmock.NewRows(tradeCols).
		AddRow(2, "BTC-USDT-SWAP", models.TradeActionClose, "long", "1", "66000", 1.5, "take profit", models.SourceStrategy, "", now).
		AddRow(1, "BTC-USDT-SWAP", models.TradeActionOpen, "long", "1", "65000", 0.0, "buy signal", models.SourceStrategy, "abc", now.Add(-time.Hour))
	mock.ExpectQuery(`SELECT .+ FROM trades ORDER BY created_at DESC LIMIT \$1`).
		WithArgs(20).
		WillReturnRows(rows)

	repo := NewTradeRepository(db)
	trades, err := repo.GetRecent(context.Background(), 20)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trades) != 2 {
		t.Fatalf("expected 2 trades, got %d", len(trades))
	}
	if trades[0].Action != models.TradeActionClose || trades[0].PnlPct != 1.5 || trades[0].Price != "66000" {
		t.Errorf("unexpected first trade: %+v", trades[0])
	}
	if trades[1].ClientOrderID != "abc" {
		t.Errorf("unexpected second trade: %+v", trades[1])
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestTradeRepositoryGetRecent_QueryError(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	mock.ExpectQuery(`SELECT .+ FROM trades`).WillReturnError(errors.New("connection reset"))

	repo := NewTradeRepository(db)
	if _, err := repo.GetRecent(context.Background(), 10); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestTradeRepositoryGetSince(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	from := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery(`SELECT .+ FROM trades WHERE created_at >= \$1`).
		WithArgs(from).
		WillReturnRows(sqlmock.NewRows(tradeCols))

	repo := NewTradeRepository(db)
	trades, err := repo.GetSince(context.Background(), from)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(trades) != 0 {
		t.Errorf("expected empty result, got %d", len(trades))
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestTradeRepositoryGetStats(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	dayStart := time.Date(2024, 1, 15, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(`SELECT .+ FROM trades\s+WHERE action IN \(\$1, \$2\)`).
		WithArgs(models.TradeActionClose, models.TradeActionPartialClose, dayStart).
		WillReturnRows(sqlmock.NewRows([]string{"total", "pnl", "today", "today_pnl", "wins", "losses"}).
			AddRow(10, 4.5, 3, 1.2, 6, 3))
	mock.ExpectQuery(`SELECT split_part\(reason, ':', 1\) AS kind, COUNT\(\*\)`).
		WithArgs(models.TradeActionClose).
		WillReturnRows(sqlmock.NewRows([]string{"kind", "count"}).
			AddRow("trailing stop", 4).
			AddRow("fixed stop", 3))

	repo := NewTradeRepository(db)
	stats, err := repo.GetStats(context.Background(), dayStart)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if stats.TotalTrades != 10 || stats.TodayTrades != 3 || stats.Wins != 6 || stats.Losses != 3 {
		t.Errorf("unexpected stats: %+v", stats)
	}
	if stats.TotalPnlPct != 4.5 || stats.TodayPnlPct != 1.2 {
		t.Errorf("unexpected pnl: %+v", stats)
	}
	if stats.ExitsByReason["trailing stop"] != 4 || stats.ExitsByReason["fixed stop"] != 3 {
		t.Errorf("unexpected exits: %v", stats.ExitsByReason)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}

func TestTradeRepositoryDeleteOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("failed to create mock: %v", err)
	}
	defer db.Close()

	cutoff := time.Date(2023, 12, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectExec(`DELETE FROM trades WHERE created_at < \$1`).
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 12))

	repo := NewTradeRepository(db)
	n, err := repo.DeleteOlderThan(context.Background(), cutoff)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if n != 12 {
		t.Errorf("expected 12, got %d", n)
	}

	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unfulfilled expectations: %v", err)
	}
}
