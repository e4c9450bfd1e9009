package utils

import (
	"context"
	"fmt"
	"strings"

	"github.com/go-resty/resty/v2"
	"github.com/tidwall/gjson"
)

// ParseAllowedUsers parses a comma-separated list of allowed users in the format "username:password"
func ParseAllowedUsers(users string) (map[string]string, string, error) {
	parsedUsers := make(map[string]string)
	var hidden []string
	for _, user := range strings.Split(users, ",") {
		parts := strings.Split(user, ":")
		if len(parts) != 2 || parts[0] == "" {
			return nil, "", fmt.Errorf("invalid user format: %s. Expected 'username:password'", user)
		}
		parsedUsers[parts[0]] = parts[1]
		hidden = append(hidden, fmt.Sprintf("%s:%s", parts[0], "<hidden>"))
	}
	return parsedUsers, strings.Join(hidden, ", "), nil
}

// FetchWithBasicAuth makes an HTTP GET request with Basic Auth and returns the JSON body
func FetchWithBasicAuth(ctx context.Context, url, username, password string) (gjson.Result, error) {
	resp, err := resty.New().R().
		SetContext(ctx).
		SetBasicAuth(username, password).
		Get(url)
	if err != nil {
		return gjson.Result{}, fmt.Errorf("error making HTTP request to %s: %w", url, err)
	}
	if resp.IsError() {
		return gjson.Result{}, fmt.Errorf("request to %s failed with status %d: %s", url, resp.StatusCode(), resp.String())
	}

	body := resp.Body()
	if !gjson.ValidBytes(body) {
		return gjson.Result{}, fmt.Errorf("error unmarshalling JSON from %s", url)
	}
	return gjson.ParseBytes(body), nil
}
