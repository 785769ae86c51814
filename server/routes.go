package server

func (s *Server) initRoutes() {
	s.RegisterRouteHandler("GET "+RouteLogin, ChainMiddleware(s.BeginLogin(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteLogin, ChainMiddleware(s.CompleteLogin(), s.APIMiddleware()...))
	s.RegisterRouteHandler("GET "+RouteLoginCallback, ChainMiddleware(s.CompleteLogin(), s.APIMiddleware()...))
	s.RegisterRouteHandler("POST "+RouteLoginVerify, ChainMiddleware(s.VerifySecondFactor(), s.APIMiddleware()...))

	s.RegisterRouteHandler("GET "+RouteSession, ChainMiddleware(s.SessionInfo(), s.APIMiddleware(s.RequireBearer())...))
	s.RegisterRouteHandler("POST "+RouteSessionHandoff, ChainMiddleware(s.IssueHandoff(), s.APIMiddleware(s.RequireBearer())...))
	s.RegisterRouteHandler("POST "+RouteSessionRedeem, ChainMiddleware(s.RedeemHandoff(), s.APIMiddleware()...))

	for _, route := range []string{RouteSession, RouteSessionHandoff, RouteSessionRedeem} {
		s.RegisterRouteFunc("OPTIONS "+route, ChainMiddleware(s.Preflight, s.APIMiddleware()...))
	}

	s.RegisterRouteHandler("GET "+RouteWellKnownJWKS, ChainMiddleware(s.JWKS(), s.APIMiddleware()...))
}
