package mysql

import (
	"context"
	"database/sql"
	"time"

	"auction-monitor/internal/domain"

	"github.com/shopspring/decimal"
)

// MySQLBidRepository archives published bid outcomes in bid_events.
type MySQLBidRepository struct {
	db *sql.DB
}

func NewMySQLBidRepository(db *sql.DB) *MySQLBidRepository {
	return &MySQLBidRepository{db: db}
}

func (r *MySQLBidRepository) SaveBidEvent(ctx context.Context, event *domain.AuctionEvent) error {
	query := `
        INSERT INTO bid_events (event_id, auction_id, amount, event_type, success, reason, automatic, timestamp, created_at)
        VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
        ON DUPLICATE KEY UPDATE event_id = event_id
    `
	_, err := r.db.ExecContext(ctx, query,
		event.ID, event.AuctionID, event.Amount.String(),
		string(event.Type), event.Success, event.Reason, event.Automatic,
		event.Timestamp, time.Now())
	return err
}

func (r *MySQLBidRepository) GetBidHistory(ctx context.Context, auctionID string) ([]*domain.AuctionEvent, error) {
	query := `
        SELECT event_id, auction_id, amount, event_type, success, reason, automatic, timestamp
        FROM bid_events
        WHERE auction_id = ?
        ORDER BY timestamp ASC
    `

	rows, err := r.db.QueryContext(ctx, query, auctionID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []*domain.AuctionEvent
	for rows.Next() {
		var event domain.AuctionEvent
		var eventType, amount string

		err := rows.Scan(&event.ID, &event.AuctionID, &amount, &eventType,
			&event.Success, &event.Reason, &event.Automatic, &event.Timestamp)
		if err != nil {
			return nil, err
		}

		event.Amount, err = decimal.NewFromString(amount)
		if err != nil {
			return nil, err
		}
		event.Type = domain.EventType(eventType)
		events = append(events, &event)
	}

	return events, rows.Err()
}

// EnsureSchema creates bid_events if it does not exist yet.
func (r *MySQLBidRepository) EnsureSchema(ctx context.Context) error {
	_, err := r.db.ExecContext(ctx, `
        CREATE TABLE IF NOT EXISTS bid_events (
            id BIGINT AUTO_INCREMENT PRIMARY KEY,
            event_id VARCHAR(64) NOT NULL UNIQUE,
            auction_id VARCHAR(128) NOT NULL,
            amount DECIMAL(12,2) NOT NULL,
            event_type VARCHAR(32) NOT NULL,
            success BOOLEAN NOT NULL,
            reason VARCHAR(64) NOT NULL DEFAULT '',
            automatic BOOLEAN NOT NULL,
            timestamp DATETIME(3) NOT NULL,
            created_at DATETIME(3) NOT NULL,
            INDEX idx_bid_events_auction (auction_id, timestamp)
        )
    `)
	return err
}
