/*
Package dsl provides a fluent builder for constructing orchestra workflows in Go.

It is an alternative to YAML definitions when a graph is generated
programmatically or assembled in tests.

Example usage:

	b := dsl.New("summarize")

	b.Add("fetch").
		Handler("http_get").
		Param("url", "https://example.com").
		Output("body", "text")

	b.Add("summary").
		Handler("llm").
		Resource("gpu", domain.ResourceSpec{Name: "llama", Version: "3"}).
		Input("doc", "text").
		From("fetch", "body", "doc").
		Output("out", "text").
		Timeout(30 * time.Second)

	wf, err := b.Build()
	// ... pass wf to engine.Submit or orchestra.Run
*/
package dsl
