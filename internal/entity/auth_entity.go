package entity

type TokenClaims struct {
	UserId string `json:"userId"`
}
