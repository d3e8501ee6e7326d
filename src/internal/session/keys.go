package session

import "strings"

const (
	keySessionUserID = "sessionUserId"
	keyLastUserID    = "lastUserId"

	userKeyPrefix  = "user_"
	tokenKeyPrefix = "token_"

	LoginEventPrefix  = "login-event-"
	LogoutEventPrefix = "logout-event-"
)

func userKey(userID string) string {
	return userKeyPrefix + userID
}

func tokenKey(userID string) string {
	return tokenKeyPrefix + userID
}

func loginTopic(userID string) string {
	return LoginEventPrefix + userID
}

func logoutTopic(userID string) string {
	return LogoutEventPrefix + userID
}

// parseTopic splits an event key into its kind prefix and user id.
func parseTopic(topic string) (prefix, userID string, ok bool) {
	for _, p := range []string{LoginEventPrefix, LogoutEventPrefix} {
		if strings.HasPrefix(topic, p) {
			userID = strings.TrimPrefix(topic, p)
			return p, userID, userID != ""
		}
	}
	return "", "", false
}
