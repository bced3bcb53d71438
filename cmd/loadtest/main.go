package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

const (
	numAccounts     = 100        // Number of accounts to create
	numTransactions = 10000      // Total number of transactions
	maxConcurrency  = 200        // Maximum number of concurrent requests
	initialDeposit  = "10000.00" // Funded into each account before the run
	maxAmountCents  = 100000     // Maximum transaction amount, in cents
	successColor    = "\033[32m" // Green
	errorColor      = "\033[31m" // Red
	infoColor       = "\033[34m" // Blue
	resetColor      = "\033[0m"  // Reset color
)

var baseURL = getEnv("LOADTEST_BASE_URL", "http://localhost:8080")

type Account struct {
	ID            string          `json:"id"`
	AccountNumber string          `json:"account_number"`
	Balance       decimal.Decimal `json:"balance"`
	Status        string          `json:"status"`
}

// tally tracks money entering and leaving the system
type tally struct {
	mu        sync.Mutex
	succeeded int
	failed    map[string]int
	deposited decimal.Decimal
	withdrawn decimal.Decimal
}

func (t *tally) ok(kind string, amount decimal.Decimal) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.succeeded++
	switch kind {
	case "deposit":
		t.deposited = t.deposited.Add(amount)
	case "withdraw":
		t.withdrawn = t.withdrawn.Add(amount)
	}
}

func (t *tally) fail(code string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.failed[code]++
}

func main() {
	fmt.Printf("%sstarting a heavy load test with %d accounts and %d transactions against %s%s\n",
		infoColor, numAccounts, numTransactions, baseURL, resetColor)

	accounts := createAccounts(numAccounts)
	if len(accounts) < 2 {
		fmt.Printf("%snot enough accounts to run the test%s\n", errorColor, resetColor)
		os.Exit(1)
	}
	fmt.Printf("%sCreated and funded %d accounts%s\n", successColor, len(accounts), resetColor)

	startTotal := decimal.RequireFromString(initialDeposit).Mul(decimal.NewFromInt(int64(len(accounts))))
	results := &tally{failed: make(map[string]int)}

	// Create semaphore for limiting concurrency
	sem := make(chan struct{}, maxConcurrency)
	var wg sync.WaitGroup
	startTime := time.Now()

	for i := 0; i < numTransactions; i++ {
		wg.Add(1)
		sem <- struct{}{} // Acquire semaphore

		go func(txNum int) {
			defer wg.Done()
			defer func() { <-sem }() // Release semaphore

			amount := decimal.New(int64(100+rand.IntN(maxAmountCents-100)), -2)
			from := accounts[rand.IntN(len(accounts))]

			var (
				kind string
				err  error
			)
			switch rand.IntN(3) {
			case 0:
				kind = "deposit"
				_, err = post("/transactions/deposit", map[string]any{"account_id": from.ID, "amount": amount})
			case 1:
				kind = "withdraw"
				_, err = post("/transactions/withdraw", map[string]any{"account_id": from.ID, "amount": amount})
			default:
				kind = "transfer"
				to := accounts[rand.IntN(len(accounts))]
				for to.ID == from.ID {
					to = accounts[rand.IntN(len(accounts))]
				}
				_, err = post("/transactions/transfer", map[string]any{
					"from_account_id": from.ID, "to_account_id": to.ID, "amount": amount,
				})
			}

			if err != nil {
				results.fail(errorCode(err))
				if txNum%500 == 0 { // Only log some failures to avoid overwhelming output
					fmt.Printf("%sTransaction failed: %v%s\n", errorColor, err, resetColor)
				}
				return
			}
			results.ok(kind, amount)
		}(i)
	}

	wg.Wait()
	duration := time.Since(startTime)

	fmt.Printf("\n%s=== heavy load Test Results ===%s\n", infoColor, resetColor)
	fmt.Printf("Total number of transactions: %d\n", numTransactions)
	fmt.Printf("Successful: %s%d%s\n", successColor, results.succeeded, resetColor)
	for code, n := range results.failed {
		fmt.Printf("Rejected (%s): %s%d%s\n", code, errorColor, n, resetColor)
	}
	fmt.Printf("Duration: %.2f seconds\n", duration.Seconds())
	fmt.Printf("Throughput: %.2f transactions/second\n", float64(numTransactions)/duration.Seconds())

	fmt.Printf("\n%sChecking money conservation...%s\n", infoColor, resetColor)
	checkConservation(accounts, startTotal.Add(results.deposited).Sub(results.withdrawn))
}

// createAccounts opens count accounts and funds each with initialDeposit
func createAccounts(count int) []Account {
	accounts := make([]Account, 0, count)
	for i := 0; i < count; i++ {
		body, err := post("/accounts", map[string]string{"account_type": "CHECKING"})
		if err != nil {
			fmt.Printf("%sFailed to create account: %v%s\n", errorColor, err, resetColor)
			continue
		}
		var account Account
		if err := json.Unmarshal(body, &account); err != nil {
			fmt.Printf("%sFailed to decode response: %v%s\n", errorColor, err, resetColor)
			continue
		}

		if _, err := post("/transactions/deposit", map[string]any{
			"account_id":  account.ID,
			"amount":      decimal.RequireFromString(initialDeposit),
			"description": "load test funding",
		}); err != nil {
			fmt.Printf("%sFailed to fund account %s: %v%s\n", errorColor, account.ID, err, resetColor)
			continue
		}

		accounts = append(accounts, account)
		if i%10 == 0 || i == count-1 {
			fmt.Printf("%screated account %d/%d: %s%s\n", successColor, i+1, count, account.AccountNumber, resetColor)
		}
	}
	return accounts
}

// checkConservation compares the sum of all balances with the expected total
func checkConservation(accounts []Account, expected decimal.Decimal) {
	total := decimal.Zero
	for _, a := range accounts {
		account, err := getAccount(a.ID)
		if err != nil {
			fmt.Printf("%sError retrieving account %s: %v%s\n", errorColor, a.ID, err, resetColor)
			return
		}
		if account.Balance.IsNegative() {
			fmt.Printf("%sAccount %s has a negative balance %s%s\n", errorColor, a.ID, account.Balance, resetColor)
		}
		total = total.Add(account.Balance)
	}

	if total.Equal(expected) {
		fmt.Printf("%sBalances add up: %s%s\n", successColor, total.StringFixed(2), resetColor)
		return
	}
	fmt.Printf("%sBalance mismatch: expected %s, got %s%s\n",
		errorColor, expected.StringFixed(2), total.StringFixed(2), resetColor)
	os.Exit(1)
}

type apiError struct {
	status int
	Code   string `json:"error"`
	Msg    string `json:"message"`
}

func (e *apiError) Error() string {
	return fmt.Sprintf("status %d: %s: %s", e.status, e.Code, e.Msg)
}

func errorCode(err error) string {
	if apiErr, ok := err.(*apiError); ok {
		return apiErr.Code
	}
	return "TRANSPORT"
}

func post(path string, payload any) ([]byte, error) {
	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal JSON: %v", err)
	}
	resp, err := http.Post(baseURL+path, "application/json", bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, err
	}
	return readBody(resp)
}

// getAccount retrieves account information
func getAccount(accountID string) (*Account, error) {
	resp, err := http.Get(fmt.Sprintf("%s/accounts/%s", baseURL, accountID))
	if err != nil {
		return nil, err
	}
	body, err := readBody(resp)
	if err != nil {
		return nil, err
	}
	var account Account
	if err := json.Unmarshal(body, &account); err != nil {
		return nil, fmt.Errorf("failed to decode response: %v", err)
	}
	return &account, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	defer resp.Body.Close()
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode >= 300 {
		apiErr := &apiError{status: resp.StatusCode}
		_ = json.Unmarshal(body, apiErr)
		return nil, apiErr
	}
	return body, nil
}

func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}
