package registry

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// CreateCustomer inserts a customer and assigns its ID.
func (r *Registry) CreateCustomer(c *Customer) error {
	if c == nil {
		return fmt.Errorf("customer is nil")
	}
	now := time.Now().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	res, err := r.db.Exec(`
		INSERT INTO customers (email, name, created_at, updated_at)
		VALUES (?, ?, ?, ?)`,
		strings.ToLower(strings.TrimSpace(c.Email)), c.Name,
		c.CreatedAt.Unix(), c.UpdatedAt.Unix(),
	)
	if err != nil {
		return fmt.Errorf("create customer: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return fmt.Errorf("customer insert id: %w", err)
	}
	c.ID = id
	return nil
}

// GetCustomer retrieves a customer by ID. Returns (nil, nil) when absent.
func (r *Registry) GetCustomer(id int64) (*Customer, error) {
	row := r.db.QueryRow(`SELECT id, email, name, created_at, updated_at
		FROM customers WHERE id = ?`, id)
	return scanCustomer(row)
}

// GetCustomerByEmail retrieves a customer by normalized email.
func (r *Registry) GetCustomerByEmail(email string) (*Customer, error) {
	row := r.db.QueryRow(`SELECT id, email, name, created_at, updated_at
		FROM customers WHERE email = ?`, strings.ToLower(strings.TrimSpace(email)))
	return scanCustomer(row)
}

// EnsureCustomer returns the customer with the given email, creating one if
// none exists. Used by checkout handling where the billing provider is the
// source of customer identity.
func (r *Registry) EnsureCustomer(email, name string) (*Customer, error) {
	existing, err := r.GetCustomerByEmail(email)
	if err != nil {
		return nil, err
	}
	if existing != nil {
		return existing, nil
	}

	c := &Customer{Email: email, Name: name}
	if err := r.CreateCustomer(c); err != nil {
		if IsUniqueViolation(err) {
			// A concurrent checkout created the row; reuse it.
			return r.GetCustomerByEmail(email)
		}
		return nil, err
	}
	return c, nil
}

func scanCustomer(s scanner) (*Customer, error) {
	var c Customer
	var createdAt, updatedAt int64
	err := s.Scan(&c.ID, &c.Email, &c.Name, &createdAt, &updatedAt)
	if err != nil {
		if err == sql.ErrNoRows {
			return nil, nil
		}
		return nil, fmt.Errorf("scan customer: %w", err)
	}
	c.CreatedAt = time.Unix(createdAt, 0).UTC()
	c.UpdatedAt = time.Unix(updatedAt, 0).UTC()
	return &c, nil
}
