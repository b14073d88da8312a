// Package browser owns the single shared browsing session used by retailer
// checks.
//
// A Manager lazily launches a Browser through a Launcher, hands out the
// current Session, notices disconnects and relaunches on the next Acquire.
// Pages come pre-configured with a desktop viewport, a realistic user agent
// and image/font/media requests blocked.
//
// Two drivers ship with the package: headless Chrome via chromedp, and a
// plain HTTP fetcher for sites that render server-side.
package browser
