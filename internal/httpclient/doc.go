// Package httpclient builds and sends the outbound authentication request.
//
// [NewOptions] captures the connection settings derived from the resource URL
// at start time: target host, port and TLS mode, timeouts and the optional
// system proxy. Every [Client] is built from the same Options.
//
// A [RequestBuilder] fixes the method and URL once and resolves header values
// and the body per call through an [el.Engine]:
//
//	builder, err := httpclient.NewRequestBuilder(resource, userAgent)
//	if err != nil {
//		return err
//	}
//	req, err := builder.Build(ctx, engine, func(field string, err error) {
//		logger.Debug("skipping field", "field", field, "error", err)
//	})
//	resp, err := client.Do(req)
//
// Every request carries a User-Agent and a fresh X-Gravitee-Request-Id.
// A header or body whose expression fails is left out of the request.
package httpclient
