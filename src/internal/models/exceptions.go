package models

import "errors"

var (
	ErrInvalidCredentials = errors.New("invalid credentials")
	ErrNotAuthenticated   = errors.New("not authenticated")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrKeyNotFound        = errors.New("key not found")
)

var (
	ErrRedisConnection = errors.New("redis connection error")
	ErrRedisGet        = errors.New("redis get error")
	ErrRedisSet        = errors.New("redis set error")
	ErrRedisDelete     = errors.New("redis delete error")
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrSessionExpired  = errors.New("session expired")
	ErrSessionCreating = errors.New("error creating session")
	ErrSessionUpdating = errors.New("error updating session")
)

var ErrDatabaseQuery = errors.New("database query error")

var (
	ErrTabNotFound       = errors.New("tab not found")
	ErrBufferFull        = errors.New("broadcast buffer is full")
	ErrInvalidStatus     = errors.New("invalid report status")
	ErrInvalidReport     = errors.New("invalid report")
	ErrReportNotFound    = errors.New("report not found")
	ErrReportAPIRejected = errors.New("report api rejected request")
)
