package server

const (
	RouteLogin          = "/login"
	RouteLoginCallback  = "/login/callback"
	RouteLoginVerify    = "/login/verify"
	RouteSession        = "/session"
	RouteSessionHandoff = "/session/handoff"
	RouteSessionRedeem  = "/session/redeem"
	RouteWellKnownJWKS  = "/.well-known/jwks.json"
)

const contentTypeJSON = "application/json; charset=utf-8"
