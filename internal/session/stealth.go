package session

import (
	"context"
	"math/rand"

	"github.com/chromedp/cdproto/page"
	"github.com/chromedp/chromedp"
)

// stealthScript patches the most common headless-Chrome giveaways before any
// page script runs. Derived from the puppeteer-extra-plugin-stealth evasion
// set.
const stealthScript = `
(function() {
    'use strict';

    // navigator.webdriver is the first thing every detector checks.
    Object.defineProperty(navigator, 'webdriver', {
        get: () => undefined,
        configurable: true
    });
    delete Object.getPrototypeOf(navigator).webdriver;

    // Headless Chrome ships an empty plugins array.
    const fakePlugins = [
        { name: 'Chrome PDF Plugin', filename: 'internal-pdf-viewer', description: 'Portable Document Format' },
        { name: 'Chrome PDF Viewer', filename: 'mhjfbmdgcfjbbpaeojofohoefgiehjai', description: '' },
        { name: 'Native Client', filename: 'internal-nacl-plugin', description: '' }
    ];
    const plugins = Object.create(PluginArray.prototype);
    fakePlugins.forEach((p, i) => {
        const plugin = Object.create(Plugin.prototype);
        Object.defineProperties(plugin, {
            name: { value: p.name, enumerable: true },
            filename: { value: p.filename, enumerable: true },
            description: { value: p.description, enumerable: true }
        });
        plugins[i] = plugin;
        plugins[p.name] = plugin;
    });
    Object.defineProperty(plugins, 'length', { value: fakePlugins.length });
    Object.defineProperty(plugins, 'item', { value: (i) => plugins[i] || null });
    Object.defineProperty(plugins, 'namedItem', { value: (n) => plugins[n] || null });
    Object.defineProperty(navigator, 'plugins', { get: () => plugins, configurable: true });

    Object.defineProperty(navigator, 'languages', {
        get: () => Object.freeze(['en-US', 'en']),
        configurable: true
    });

    // window.chrome is absent in some headless contexts.
    if (!window.chrome) {
        Object.defineProperty(window, 'chrome', { value: {}, writable: true, enumerable: true });
    }
    if (!window.chrome.runtime) {
        window.chrome.runtime = { connect: function() {}, sendMessage: function() {} };
    }

    // Notification permission query leaks headless state.
    const originalQuery = Permissions.prototype.query;
    Permissions.prototype.query = function(parameters) {
        if (parameters && parameters.name === 'notifications') {
            return Promise.resolve({ state: Notification.permission });
        }
        return originalQuery.call(this, parameters);
    };

    // SwiftShader WebGL strings mark a headless GPU.
    const patchGetParameter = (proto) => {
        const original = proto.getParameter;
        proto.getParameter = function(param) {
            if (param === 37445) return 'Intel Inc.';
            if (param === 37446) return 'Intel Iris OpenGL Engine';
            return original.call(this, param);
        };
    };
    try { patchGetParameter(WebGLRenderingContext.prototype); } catch (e) {}
    try { patchGetParameter(WebGL2RenderingContext.prototype); } catch (e) {}

    if (navigator.hardwareConcurrency === 0) {
        Object.defineProperty(navigator, 'hardwareConcurrency', { get: () => 4, configurable: true });
    }
    if (!navigator.deviceMemory) {
        Object.defineProperty(navigator, 'deviceMemory', { get: () => 8, configurable: true });
    }
})();
`

// viewports is a small set of common desktop resolutions; each session picks
// one so concurrent sessions don't share an identical fingerprint.
var viewports = [][2]int{
	{1920, 1080},
	{1680, 1050},
	{1600, 900},
	{1440, 900},
	{1536, 864},
}

const defaultUserAgent = "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36"

// stealthAllocatorOptions returns Chrome flags that suppress automation
// markers and mimic an interactive desktop browser.
func stealthAllocatorOptions(headless bool) []chromedp.ExecAllocatorOption {
	vp := viewports[rand.Intn(len(viewports))]

	return []chromedp.ExecAllocatorOption{
		chromedp.Flag("headless", headless),
		chromedp.Flag("disable-gpu", headless),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),

		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("disable-features", "IsolateOrigins,site-per-process"),
		chromedp.Flag("excludeSwitches", "enable-automation"),
		chromedp.Flag("useAutomationExtension", false),
		chromedp.Flag("disable-infobars", true),
		chromedp.Flag("disable-plugins-discovery", true),
		chromedp.Flag("disable-default-apps", true),

		chromedp.Flag("disable-background-timer-throttling", true),
		chromedp.Flag("disable-backgrounding-occluded-windows", true),
		chromedp.Flag("disable-renderer-backgrounding", true),

		chromedp.UserAgent(defaultUserAgent),
		chromedp.WindowSize(vp[0], vp[1]),
	}
}

// injectStealth installs the stealth script so it evaluates before any page
// scripts on every new document. Must run before the first navigation.
func injectStealth() chromedp.Action {
	return chromedp.ActionFunc(func(ctx context.Context) error {
		_, err := page.AddScriptToEvaluateOnNewDocument(stealthScript).Do(ctx)
		return err
	})
}
