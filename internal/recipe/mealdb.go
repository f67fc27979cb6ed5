package recipe

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"
)

// DefaultMealDBURL is TheMealDB random recipe endpoint
const DefaultMealDBURL = "https://www.themealdb.com/api/json/v1/1/random.php"

// DefaultTimeout bounds a single fetch
const DefaultTimeout = 7 * time.Second

// MealDB fetches random recipes from TheMealDB. One attempt per call.
type MealDB struct {
	url    string
	client *http.Client
}

// Option configures a MealDB client
type Option func(*MealDB)

// WithURL overrides the endpoint
func WithURL(url string) Option {
	return func(m *MealDB) {
		m.url = url
	}
}

// WithTimeout overrides the request timeout
func WithTimeout(timeout time.Duration) Option {
	return func(m *MealDB) {
		m.client.Timeout = timeout
	}
}

// NewMealDB creates a new TheMealDB client
func NewMealDB(opts ...Option) *MealDB {
	m := &MealDB{
		url:    DefaultMealDBURL,
		client: &http.Client{Timeout: DefaultTimeout},
	}

	for _, opt := range opts {
		opt(m)
	}

	return m
}

type mealsResponse struct {
	Meals []map[string]interface{} `json:"meals"`
}

// Fetch fetches one random recipe
func (m *MealDB) Fetch(ctx context.Context) (*Recipe, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, m.url, nil)
	if err != nil {
		return nil, &FetchError{Kind: KindTransport, Err: err}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := m.client.Do(req)
	if err != nil {
		if isTimeout(err) {
			return nil, &FetchError{Kind: KindTimeout, Err: err}
		}
		return nil, &FetchError{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &FetchError{Kind: KindStatus, StatusCode: resp.StatusCode}
	}

	var body mealsResponse
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		if isTimeout(err) {
			return nil, &FetchError{Kind: KindTimeout, Err: err}
		}
		return nil, &FetchError{Kind: KindDecode, Err: err}
	}

	if len(body.Meals) == 0 || body.Meals[0] == nil {
		return nil, ErrNoRecipe
	}

	return recipeFromMeal(body.Meals[0]), nil
}

func recipeFromMeal(meal map[string]interface{}) *Recipe {
	field := func(key string) string {
		s, _ := meal[key].(string)
		return s
	}

	r := &Recipe{
		Name:         field("strMeal"),
		Instructions: field("strInstructions"),
	}

	for i := 0; i < MaxIngredients; i++ {
		r.Ingredients[i] = Ingredient{
			Measure: strings.TrimSpace(field(fmt.Sprintf("strMeasure%d", i+1))),
			Name:    strings.TrimSpace(field(fmt.Sprintf("strIngredient%d", i+1))),
		}
	}

	return r
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) && netErr.Timeout()
}
