package cli

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"
)

// apiProblem mirrors the RFC 7807 body the admin API returns on errors.
type apiProblem struct {
	Title  string `json:"title"`
	Status int    `json:"status"`
	Detail string `json:"detail"`
	Code   string `json:"code"`
	Errors []struct {
		Path    string `json:"path"`
		Message string `json:"message"`
	} `json:"errors"`
}

func newAPIClient() *resty.Client {
	return resty.New().
		SetBaseURL(rootFlags.serverURL).
		SetTimeout(30 * time.Second).
		SetHeader("Content-Type", "application/json")
}

// apiError turns a non-2xx response into a readable error, preferring the
// problem body over the bare status line.
func apiError(resp *resty.Response) error {
	var problem apiProblem
	if err := json.Unmarshal(resp.Body(), &problem); err == nil && problem.Status != 0 {
		if len(problem.Errors) > 0 {
			msg := fmt.Sprintf("%s (%s)", problem.Detail, problem.Code)
			for _, e := range problem.Errors {
				msg += fmt.Sprintf("\n  %s: %s", e.Path, e.Message)
			}
			return fmt.Errorf("%s", msg)
		}
		if problem.Code != "" {
			return fmt.Errorf("%s (%s)", problem.Detail, problem.Code)
		}
		return fmt.Errorf("%s", problem.Detail)
	}
	return fmt.Errorf("%s: %s", resp.Status(), resp.String())
}
