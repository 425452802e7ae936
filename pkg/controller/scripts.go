package controller

// Expressions evaluated in the target's embedded page. Each one is
// self-contained and resolves to a JSON-serializable value, so the session
// can always return the result by value.
const (
	// scriptUIReady probes for the player chrome; true once the transport
	// controls have rendered.
	scriptUIReady = `!!document.querySelector('[data-testid="player-controls"]')`

	// scriptTogglePlayback clicks play/pause. Resolves once the click has
	// been dispatched; throws when the control is missing so the failure
	// surfaces as a remote exception rather than a silent no-op.
	scriptTogglePlayback = `(async () => {
	const button = document.querySelector('[data-testid="control-button-playpause"]');
	if (!button) {
		throw new Error('play/pause control not found');
	}
	button.click();
	return true;
})()`

	// scriptIsPlaying reads the play/pause button label: the button shows
	// the action it would take, so "Pause" means playback is active.
	scriptIsPlaying = `(() => {
	const button = document.querySelector('[data-testid="control-button-playpause"]');
	return !!button && button.getAttribute('aria-label') === 'Pause';
})()`

	// scriptNowPlaying scrapes the now-playing widget. Resolves to null when
	// the widget has not rendered; callers treat null as "try again".
	scriptNowPlaying = `(() => {
	const widget = document.querySelector('[data-testid="now-playing-widget"]');
	if (!widget) {
		return null;
	}
	const text = (selector) => {
		const el = widget.querySelector(selector);
		return el ? el.textContent.trim() : '';
	};
	const clock = (selector) => {
		const el = document.querySelector(selector);
		if (!el) {
			return 0;
		}
		const parts = el.textContent.trim().split(':').map(Number);
		return parts.reduce((total, part) => total * 60 + part, 0);
	};
	return {
		title: text('[data-testid="context-item-info-title"]'),
		artist: text('[data-testid="context-item-info-artist"]'),
		album: text('[data-testid="context-item-info-album"]'),
		position: clock('[data-testid="playback-position"]'),
		duration: clock('[data-testid="playback-duration"]'),
	};
})()`
)
