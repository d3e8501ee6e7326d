package models

type TabStats struct {
	Open          int `json:"open"`
	Authenticated int `json:"authenticated"`
	Anonymous     int `json:"anonymous"`
	Degraded      int `json:"degraded"`
}
